package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"islrecognizer/config"
	"islrecognizer/db"
	"islrecognizer/logger"
	"islrecognizer/ml"
)

func main() {
	dataDir := flag.String("data", "", "training images laid out as <dir>/<label>/*.png")
	outDir := flag.String("out", "./model/level-1/alphabets", "model output directory")
	format := flag.String("format", ml.FormatLinear, "model format: linear or decision_tree")
	size := flag.Int("size", 32, "input width and height in pixels")
	channels := flag.Int("channels", 3, "input channels: 1 (grayscale) or 3 (RGB)")
	maxDepth := flag.Int("max_depth", 10, "max tree depth")
	temperature := flag.Float64("temperature", 1, "softmax temperature of the linear model")
	testRatio := flag.Float64("test_ratio", 0.2, "share of samples held out for evaluation")
	seed := flag.Int64("seed", 1, "shuffle seed for the train/test split")
	dbPath := flag.String("db", "", "optional database to record the training run in")
	flag.Parse()

	log, err := logger.New(config.LogConfig{Level: "info"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if *dataDir == "" {
		log.Fatal("-data is required")
	}

	shape := ml.InputShape{Width: *size, Height: *size, Channels: *channels}
	ds, err := ml.LoadDataset(*dataDir, shape)
	if err != nil {
		log.Fatal("failed to load training data", zap.Error(err))
	}
	log.Info("dataset loaded", zap.Strings("labels", ds.Labels), zap.Int("samples", len(ds.Samples)))

	train, test := ml.SplitDataset(ds.Samples, *testRatio, *seed)

	var model ml.VectorModel
	switch *format {
	case ml.FormatLinear:
		model, err = ml.TrainCentroid(train, len(ds.Labels), *temperature)
	case ml.FormatDecisionTree:
		model, err = ml.TrainTree(train, len(ds.Labels), *maxDepth)
	default:
		log.Fatal("unknown format", zap.String("format", *format))
	}
	if err != nil {
		log.Fatal("failed to train model", zap.Error(err))
	}

	accuracy := 0.0
	if len(test) > 0 {
		accuracy, err = ml.Evaluate(model, test)
		if err != nil {
			log.Fatal("failed to evaluate model", zap.Error(err))
		}
	}
	log.Info("model trained",
		zap.String("format", *format),
		zap.Int("train", len(train)),
		zap.Int("test", len(test)),
		zap.Float64("accuracy", accuracy))

	now := time.Now()
	name := filepath.Base(*outDir)
	metadata := ml.Metadata{
		ModelName: name,
		Labels:    ds.Labels,
		ImageSize: *size,
		TimeStamp: now.UTC().Format(time.RFC3339),
	}
	if err := ml.WriteModel(*outDir, model.Topology(shape), metadata); err != nil {
		log.Fatal("failed to save model", zap.Error(err))
	}

	if *dbPath != "" {
		if err := db.InitDB(*dbPath); err != nil {
			log.Fatal("failed to open database", zap.Error(err))
		}
		defer db.Close()
		err := db.SaveTrainingLog(db.TrainingLog{
			ModelName:  name,
			Format:     *format,
			Accuracy:   accuracy,
			Labels:     len(ds.Labels),
			TrainedAt:  now,
			DataPoints: len(ds.Samples),
		})
		if err != nil {
			log.Error("failed to record training run", zap.Error(err))
		}
	}

	fmt.Printf("model saved to %s (accuracy %.2f)\n", *outDir, accuracy)
}
