package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"dsforge/internal/config"
	"dsforge/internal/engine"
	"dsforge/internal/logging"
)

type preview struct {
	TotalImages int      `json:"total_images"`
	CopyOnly    int      `json:"copy_only"`
	Transform   int      `json:"transform"`
	Format      string   `json:"format"`
	Classes     []string `json:"classes"`
	Annotations int      `json:"annotations"`
}

func main() {
	cfgPath := flag.String("config", "engine.yml", "engine configuration file")
	planPath := flag.String("plan", "", "pipeline file to plan without running")
	flag.Parse()

	_ = godotenv.Load()
	logging.InitFromEnv()

	cfg, err := config.LoadEngine(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	if *planPath != "" {
		err := printPlan(ctx, e, *planPath)
		e.Close()
		if err != nil {
			log.Fatalf("plan: %v", err)
		}
		return
	}

	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}

func printPlan(ctx context.Context, e *engine.Engine, path string) error {
	pipe, err := config.LoadPipelineSpec(path)
	if err != nil {
		return err
	}
	p, err := e.Preview(ctx, pipe)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(preview{
		TotalImages: p.TotalImages(),
		CopyOnly:    p.CopyOnlyCount(),
		Transform:   p.TransformCount(),
		Format:      p.Output.Format,
		Classes:     p.Output.CategoryNames(),
		Annotations: p.Output.AnnotationCount(),
	})
}
