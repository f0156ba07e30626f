// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command migrate applies the database schema and installs the seed
// configuration: system document classes, model specs, and the default
// pipeline. Safe to run repeatedly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/crypto"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	genKey := flag.Bool("gen-key", false, "generate a new encryption key and exit")
	skipSeed := flag.Bool("skip-seed", false, "apply schema only, no seed data")
	flag.Parse()

	if *genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()
	log := logger.GetLogger("main")

	codec, err := crypto.NewCodec(cfg.Encryption.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid encryption key (use --gen-key to create one)")
	}

	db, err := database.NewGormDB(&cfg.Database, codec)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	log.Info().Msg("Schema migrated")

	if *skipSeed {
		return
	}

	ctx := context.Background()
	if err := seedDocumentClasses(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed document classes")
	}
	if err := seedModels(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed model specs")
	}
	seeded, err := seedDefaultPipeline(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed default pipeline")
	}
	if seeded {
		log.Info().Msg("Default pipeline installed")
	} else {
		log.Info().Msg("Pipeline already configured, seed skipped")
	}
}

// systemClasses are the built-in German medical document classes.
var systemClasses = []models.DocumentClass{
	{ClassKey: "ARZTBRIEF", DisplayName: "Arztbrief", IsEnabled: true, IsSystemClass: true},
	{ClassKey: "LABORBERICHT", DisplayName: "Laborbericht", IsEnabled: true, IsSystemClass: true},
	{ClassKey: "BEFUNDBERICHT", DisplayName: "Befundbericht", IsEnabled: true, IsSystemClass: true},
	{ClassKey: "MEDIKATIONSPLAN", DisplayName: "Medikationsplan", IsEnabled: true, IsSystemClass: true},
}

func seedDocumentClasses(ctx context.Context, db *database.GormDB) error {
	for _, class := range systemClasses {
		if _, err := db.GetDocumentClassByKey(ctx, class.ClassKey); err == nil {
			continue
		}
		if err := db.SaveDocumentClass(ctx, &class); err != nil {
			return err
		}
	}
	return nil
}

var defaultModelSpecs = []models.ModelSpec{
	{
		Provider: "anthropic", Name: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5",
		MaxTokens: 8192, IsEnabled: true,
		PriceInputPer1MTokens: 3, PriceOutputPer1MTokens: 15,
	},
	{
		Provider: "anthropic", Name: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5",
		MaxTokens: 8192, IsEnabled: true,
		PriceInputPer1MTokens: 1, PriceOutputPer1MTokens: 5,
	},
}

func seedModels(ctx context.Context, db *database.GormDB) error {
	for _, spec := range defaultModelSpecs {
		if _, err := db.GetModelSpecByName(ctx, spec.Name); err == nil {
			continue
		}
		if err := db.SaveModelSpec(ctx, &spec); err != nil {
			return err
		}
	}
	return nil
}

// seedDefaultPipeline installs the default step chain when no steps are
// configured yet: triage -> sanitize -> classify(branch) -> per-class
// translation -> simplify -> format.
func seedDefaultPipeline(ctx context.Context, db *database.GormDB) (bool, error) {
	existing, err := db.ListPipelineSteps(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	sonnet, err := db.GetModelSpecByName(ctx, "claude-sonnet-4-5")
	if err != nil {
		return false, err
	}
	haiku, err := db.GetModelSpecByName(ctx, "claude-haiku-4-5")
	if err != nil {
		return false, err
	}

	steps := []models.PipelineStep{
		{
			Name: "triage", Order: 5, Enabled: true,
			SystemPrompt:   "Du bist ein Filter für medizinische Dokumente.",
			PromptTemplate: "Prüfe den folgenden Text. Wenn es sich NICHT um ein medizinisches Dokument handelt, antworte ausschließlich mit NON_MEDICAL. Andernfalls gib den Text unverändert zurück.\n\n{input_text}",
			OutputFormat:   models.OutputFormatText,
			ModelID:        haiku.ID,
			StopConditions: &models.StopConditions{
				StopOnValues:       models.StringList{"NON_MEDICAL"},
				TerminationReason:  "non_medical_document",
				TerminationMessage: "Das hochgeladene Dokument ist kein medizinisches Dokument.",
			},
		},
		{
			Name: "sanitize", Order: 10, Enabled: true,
			PromptTemplate: "Bereinige den folgenden OCR-Text: korrigiere offensichtliche Erkennungsfehler, entferne Artefakte, behalte den Inhalt unverändert bei.\n\n{input_text}",
			OutputFormat:   models.OutputFormatText,
			ModelID:        haiku.ID,
		},
		{
			Name: "classify", Order: 20, Enabled: true,
			SystemPrompt:    "Du klassifizierst deutsche medizinische Dokumente.",
			PromptTemplate:  "Klassifiziere das folgende Dokument. Antworte als JSON mit dem Feld \"document_type\" und einem der Werte ARZTBRIEF, LABORBERICHT, BEFUNDBERICHT, MEDIKATIONSPLAN.\n\n{input_text}",
			OutputFormat:    models.OutputFormatJSON,
			ModelID:         haiku.ID,
			IsBranchingStep: true,
			BranchingField:  "document_type",
			RetryOnFailure:  true,
			MaxRetries:      2,
		},
		{
			Name: "simplify", Order: 40, Enabled: true,
			PromptTemplate: "Formuliere den folgenden medizinischen Text in einfacher, patientenverständlicher Sprache um. Lasse keine medizinisch relevanten Informationen weg.\n\n{input_text}",
			OutputFormat:   models.OutputFormatText,
			ModelID:        sonnet.ID,
			PostBranching:  true,
		},
		{
			Name: "format", Order: 50, Enabled: true,
			PromptTemplate: "Formatiere den folgenden Text als übersichtliches Markdown mit sinnvollen Abschnitten.\n\n{input_text}",
			OutputFormat:   models.OutputFormatMarkdown,
			ModelID:        haiku.ID,
			PostBranching:  true,
		},
	}

	classPrompts := map[string]string{
		"ARZTBRIEF":       "Übersetze diesen Arztbrief in die Zielsprache {target_language}. Bewahre alle Diagnosen, Medikamente und Empfehlungen exakt.\n\n{input_text}",
		"LABORBERICHT":    "Übersetze diesen Laborbericht in die Zielsprache {target_language}. Behalte alle Werte, Einheiten und Referenzbereiche exakt bei.\n\n{input_text}",
		"BEFUNDBERICHT":   "Übersetze diesen Befundbericht in die Zielsprache {target_language}. Bewahre alle Befunde und Beurteilungen exakt.\n\n{input_text}",
		"MEDIKATIONSPLAN": "Übersetze diesen Medikationsplan in die Zielsprache {target_language}. Wirkstoffe, Dosierungen und Einnahmehinweise müssen exakt erhalten bleiben.\n\n{input_text}",
	}

	for _, class := range systemClasses {
		stored, err := db.GetDocumentClassByKey(ctx, class.ClassKey)
		if err != nil {
			return false, err
		}
		classID := stored.ID
		steps = append(steps, models.PipelineStep{
			Name: "translate-" + stored.ClassKey, Order: 30, Enabled: true,
			PromptTemplate:           classPrompts[stored.ClassKey],
			OutputFormat:             models.OutputFormatText,
			ModelID:                  sonnet.ID,
			DocumentClassID:          &classID,
			RequiredContextVariables: models.StringList{"target_language"},
		})
	}

	for i := range steps {
		if err := db.SavePipelineStep(ctx, &steps[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}
