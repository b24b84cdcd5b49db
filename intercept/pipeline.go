// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fnndsc/cni-store-proxy/backend"
	"github.com/fnndsc/cni-store-proxy/lib/envelope"
)

// InstanceCreator creates CUBE plugin instances. *backend.Client
// implements it.
type InstanceCreator interface {
	CreateInstance(ctx context.Context, pluginName string, args []envelope.Item, previousID int) (*backend.Instance, error)
}

// Step names a pipeline stage in errors and logs.
type Step string

const (
	StepRegister Step = "register"
	StepSubmit   Step = "submit"
	StepEvaluate Step = "evaluate"
)

// StepError reports which step of a run failed.
type StepError struct {
	Step   Step
	Plugin string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline %s for %q: %v", e.Step, e.Plugin, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PipelineConfig holds configuration for creating a Pipeline.
type PipelineConfig struct {
	Registrar backend.Registrar
	Creator   InstanceCreator

	// AncestorID is the instance every submission is chained under.
	AncestorID int

	EvaluatorName  string
	SubmissionArgs []envelope.Item
	EvaluatorArgs  []envelope.Item

	Logger *slog.Logger
}

// Pipeline runs the register, submit, evaluate workflow. It holds only
// values fixed at startup and is safe for concurrent runs.
type Pipeline struct {
	registrar      backend.Registrar
	creator        InstanceCreator
	ancestorID     int
	evaluatorName  string
	submissionArgs []envelope.Item
	evaluatorArgs  []envelope.Item
	logger         *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Registrar == nil {
		return nil, fmt.Errorf("intercept: registrar is required")
	}
	if config.Creator == nil {
		return nil, fmt.Errorf("intercept: instance creator is required")
	}
	if config.AncestorID <= 0 {
		return nil, fmt.Errorf("intercept: ancestor instance id must be positive, got %d", config.AncestorID)
	}
	if config.EvaluatorName == "" {
		return nil, fmt.Errorf("intercept: evaluator plugin name is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registrar:      config.Registrar,
		creator:        config.Creator,
		ancestorID:     config.AncestorID,
		evaluatorName:  config.EvaluatorName,
		submissionArgs: slices.Clone(config.SubmissionArgs),
		evaluatorArgs:  slices.Clone(config.EvaluatorArgs),
		logger:         logger,
	}, nil
}

// Run registers pluginName and creates its submission and evaluator
// instances. On failure the returned error is a *StepError and the
// chain holds the instances created before the failure.
func (p *Pipeline) Run(ctx context.Context, pluginName string) (*backend.Chain, error) {
	chain := &backend.Chain{AncestorID: p.ancestorID}

	if err := p.registrar.Register(ctx, pluginName); err != nil {
		return chain, &StepError{Step: StepRegister, Plugin: pluginName, Err: err}
	}

	submission, err := p.creator.CreateInstance(ctx, pluginName, p.submissionArgs, p.ancestorID)
	if err != nil {
		return chain, &StepError{Step: StepSubmit, Plugin: pluginName, Err: err}
	}
	chain.Submission = submission

	evaluator, err := p.creator.CreateInstance(ctx, p.evaluatorName, p.evaluatorArgs, submission.ID)
	if err != nil {
		return chain, &StepError{Step: StepEvaluate, Plugin: pluginName, Err: err}
	}
	chain.Evaluator = evaluator

	return chain, nil
}

// HandleUpload runs the pipeline and logs the outcome.
func (p *Pipeline) HandleUpload(ctx context.Context, pluginName string) {
	start := time.Now()
	p.logger.Info("plugin uploaded, starting pipeline", "plugin_name", pluginName)

	chain, err := p.Run(ctx, pluginName)
	if err != nil {
		attrs := []any{
			"plugin_name", pluginName,
			"error", err,
			"duration", time.Since(start),
		}
		if chain.Submission != nil {
			attrs = append(attrs, "submission_id", chain.Submission.ID)
		}
		p.logger.Error("pipeline failed", attrs...)
		return
	}
	p.logger.Info("pipeline complete",
		"plugin_name", pluginName,
		"ancestor_id", chain.AncestorID,
		"submission_id", chain.Submission.ID,
		"evaluator_id", chain.Evaluator.ID,
		"duration", time.Since(start),
	)
}
