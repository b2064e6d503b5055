package format

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"dsforge/internal/model"
	"dsforge/internal/storage"
)

// COCO reads and writes a single annotation.json. Keys the model does not
// interpret are kept in Extra maps and written back unchanged.
type COCO struct{}

func (COCO) Name() string { return model.FormatCOCO }

type cocoFile struct {
	Images      []map[string]any `json:"images"`
	Annotations []map[string]any `json:"annotations"`
	Categories  []model.Category `json:"categories"`
}

func (COCO) Read(ctx context.Context, st storage.Storage, uri string, layout storage.Layout) (*model.DatasetMeta, error) {
	r, err := st.Open(ctx, layout.Annotation(uri))
	if err != nil {
		return nil, fmt.Errorf("coco: %w", err)
	}
	defer r.Close()

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("coco: decode %s: %w", uri, err)
	}
	meta, err := decodeCOCO(raw)
	if err != nil {
		return nil, fmt.Errorf("coco: %s: %w", uri, err)
	}
	meta.StorageURI = uri
	return meta, nil
}

func decodeCOCO(raw map[string]json.RawMessage) (*model.DatasetMeta, error) {
	var doc cocoFile
	for key, dst := range map[string]any{"images": &doc.Images, "annotations": &doc.Annotations, "categories": &doc.Categories} {
		if msg, ok := raw[key]; ok {
			if err := unmarshalNumbers(msg, dst); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
		delete(raw, key)
	}

	meta := &model.DatasetMeta{Format: model.FormatCOCO, Categories: doc.Categories}
	if len(raw) > 0 {
		meta.Extra = map[string]any{}
		for k, msg := range raw {
			var v any
			if err := unmarshalNumbers(msg, &v); err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			meta.Extra[k] = v
		}
	}

	pos := make(map[model.ImageID]int, len(doc.Images))
	for _, im := range doc.Images {
		id, err := idString(im["id"])
		if err != nil {
			return nil, fmt.Errorf("image id: %w", err)
		}
		rec := model.ImageRecord{ID: model.ImageID(id)}
		rec.FileName, _ = im["file_name"].(string)
		rec.Width = intOf(im["width"])
		rec.Height = intOf(im["height"])
		delete(im, "id")
		delete(im, "file_name")
		delete(im, "width")
		delete(im, "height")
		if len(im) > 0 {
			rec.Extra = im
		}
		pos[rec.ID] = len(meta.Images)
		meta.Images = append(meta.Images, rec)
	}

	for _, an := range doc.Annotations {
		imgID, err := idString(an["image_id"])
		if err != nil {
			return nil, fmt.Errorf("annotation image_id: %w", err)
		}
		idx, ok := pos[model.ImageID(imgID)]
		if !ok {
			return nil, fmt.Errorf("annotation references missing image %s", imgID)
		}
		a, err := decodeAnnotation(an)
		if err != nil {
			return nil, fmt.Errorf("annotation of image %s: %w", imgID, err)
		}
		meta.Images[idx].Annotations = append(meta.Images[idx].Annotations, a)
	}
	return meta, nil
}

// decodeAnnotation picks the kind from the geometry present. Polygons win over
// a bbox, which the writer recomputes from them. RLE masks are kept verbatim.
func decodeAnnotation(an map[string]any) (model.Annotation, error) {
	a := model.Annotation{CategoryID: intOf(an["category_id"])}
	delete(an, "id")
	delete(an, "image_id")
	delete(an, "category_id")

	if polys, ok := an["segmentation"].([]any); ok && len(polys) > 0 {
		for _, p := range polys {
			poly, err := floats(p)
			if err != nil {
				return a, fmt.Errorf("segmentation: %w", err)
			}
			a.Segmentation = append(a.Segmentation, poly)
		}
		a.Kind = model.KindSegmentation
		delete(an, "segmentation")
		delete(an, "bbox")
	} else if bb, ok := an["bbox"]; ok {
		box, err := floats(bb)
		if err != nil {
			return a, fmt.Errorf("bbox: %w", err)
		}
		a.BBox = box
		a.Kind = model.KindBBox
		delete(an, "bbox")
		if s, ok := an["segmentation"].([]any); ok && len(s) == 0 {
			delete(an, "segmentation")
		}
	} else if attrs, ok := an["attributes"].(map[string]any); ok {
		a.Kind = model.KindAttribute
		a.Attributes = attrs
		delete(an, "attributes")
	} else {
		a.Kind = model.KindLabel
		a.Label, _ = an["label"].(string)
		delete(an, "label")
	}
	if len(an) > 0 {
		a.Extra = an
	}
	return a, nil
}

func (COCO) Write(ctx context.Context, st storage.Storage, meta *model.DatasetMeta, layout storage.Layout) error {
	doc := encodeCOCO(meta)
	w, err := st.Create(ctx, layout.Annotation(meta.StorageURI))
	if err != nil {
		return fmt.Errorf("coco: %w", err)
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		w.Close()
		return fmt.Errorf("coco: encode: %w", err)
	}
	return w.Close()
}

// encodeCOCO keeps integer image ids; any non-integer id (after a merge)
// renumbers every image 1..N in order.
func encodeCOCO(meta *model.DatasetMeta) map[string]any {
	numeric := true
	for _, img := range meta.Images {
		if _, err := strconv.Atoi(string(img.ID)); err != nil {
			numeric = false
			break
		}
	}

	images := make([]map[string]any, 0, len(meta.Images))
	anns := make([]map[string]any, 0, meta.AnnotationCount())
	for i, img := range meta.Images {
		id := i + 1
		if numeric {
			id, _ = strconv.Atoi(string(img.ID))
		}
		im := map[string]any{}
		for k, v := range img.Extra {
			im[k] = v
		}
		im["id"] = id
		im["file_name"] = img.FileName
		if img.Width > 0 && img.Height > 0 {
			im["width"] = img.Width
			im["height"] = img.Height
		}
		images = append(images, im)

		for _, a := range img.Annotations {
			an := map[string]any{}
			for k, v := range a.Extra {
				an[k] = v
			}
			an["id"] = len(anns) + 1
			an["image_id"] = id
			an["category_id"] = a.CategoryID
			switch a.Kind {
			case model.KindBBox:
				an["bbox"] = a.BBox
				if _, ok := an["area"]; !ok && len(a.BBox) == 4 {
					an["area"] = a.BBox[2] * a.BBox[3]
				}
			case model.KindSegmentation:
				an["segmentation"] = a.Segmentation
				bb := model.PolygonBounds(a.Segmentation)
				an["bbox"] = bb
				if _, ok := an["area"]; !ok && len(bb) == 4 {
					an["area"] = bb[2] * bb[3]
				}
			case model.KindAttribute:
				an["attributes"] = a.Attributes
			case model.KindLabel:
				an["label"] = a.Label
			}
			if _, ok := an["iscrowd"]; !ok && (a.Kind == model.KindBBox || a.Kind == model.KindSegmentation) {
				an["iscrowd"] = 0
			}
			anns = append(anns, an)
		}
	}

	doc := map[string]any{}
	for k, v := range meta.Extra {
		doc[k] = v
	}
	cats := meta.Categories
	if cats == nil {
		cats = []model.Category{}
	}
	doc["images"] = images
	doc["annotations"] = anns
	doc["categories"] = cats
	return doc
}

func unmarshalNumbers(msg json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	return dec.Decode(dst)
}

func idString(v any) (string, error) {
	switch t := v.(type) {
	case json.Number:
		return t.String(), nil
	case string:
		if t == "" {
			return "", fmt.Errorf("empty id")
		}
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported id %v", v)
	}
}

func intOf(v any) int {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(t)
	case int:
		return t
	}
	return 0
}

func floats(v any) ([]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("want number list, got %T", v)
	}
	out := make([]float64, len(list))
	for i, e := range list {
		switch n := e.(type) {
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, err
			}
			out[i] = f
		case float64:
			out[i] = n
		default:
			return nil, fmt.Errorf("want number, got %T", e)
		}
	}
	return out, nil
}
