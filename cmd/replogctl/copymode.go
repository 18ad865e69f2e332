package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// replicaFile is the YAML description of one side of a copy.
type replicaFile struct {
	Vector    []progress.Entry `yaml:"vector"`
	HeadEpoch types.Epoch      `yaml:"head_epoch"`
	HeadLSN   types.LSN        `yaml:"head_lsn"`
	TailLSN   types.LSN        `yaml:"tail_lsn"`

	// LastRecoveredAtomicRedoLSN only matters for the target.
	LastRecoveredAtomicRedoLSN *types.LSN `yaml:"last_recovered_atomic_redo_lsn"`
}

func loadReplicaFile(path string) (*replicaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f replicaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(f.Vector) == 0 {
		return nil, fmt.Errorf("%s: progress vector is empty", path)
	}
	return &f, nil
}

func (f *replicaFile) context() progress.CopyContext {
	return progress.CopyContext{
		Vector:       progress.FromEntries(f.Vector...),
		LogHeadEpoch: f.HeadEpoch,
		LogHeadLSN:   f.HeadLSN,
		LogTailLSN:   f.TailLSN,
	}
}

func (f *replicaFile) atomicRedoLSN() types.LSN {
	if f.LastRecoveredAtomicRedoLSN == nil {
		return types.InvalidLSN
	}
	return *f.LastRecoveredAtomicRedoLSN
}

func runCopyMode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("copymode", flag.ContinueOnError)
	sourcePath := fs.String("source", "", "YAML file describing the source replica")
	targetPath := fs.String("target", "", "YAML file describing the target replica")
	verbose := fs.Bool("v", false, "print both progress vectors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sourcePath == "" || *targetPath == "" {
		return errors.New("both -source and -target are required")
	}

	source, err := loadReplicaFile(*sourcePath)
	if err != nil {
		return err
	}
	target, err := loadReplicaFile(*targetPath)
	if err != nil {
		return err
	}

	src, tgt := source.context(), target.context()
	result := progress.FindCopyMode(src, tgt, target.atomicRedoLSN())
	printCopyMode(out, result, tgt)
	if *verbose {
		fmt.Fprintf(out, "source   %s\n", src.Vector.Format("source   ", 4, result.Shared.SourceIndex))
		fmt.Fprintf(out, "target   %s\n", tgt.Vector.Format("target   ", 4, result.Shared.TargetIndex))
	}
	return nil
}

func printCopyMode(out io.Writer, result progress.CopyModeResult, target progress.CopyContext) {
	fmt.Fprintf(out, "mode:      %s\n", result.Mode)
	fmt.Fprintf(out, "decision:  %s\n", result.Decision)
	if result.Mode.Has(progress.CopyModeFull) {
		fmt.Fprintf(out, "reason:    %s\n", result.FullCopyReason)
	}
	if target.IsBrandNewReplica() {
		fmt.Fprintf(out, "target:    brand new replica\n")
	}
	if result.Shared.Found() {
		fmt.Fprintf(out, "shared:    source[%d] %v | target[%d] %v\n",
			result.Shared.SourceIndex, result.Shared.SourceEntry,
			result.Shared.TargetIndex, result.Shared.TargetEntry)
	}
	if result.SourceStartingLSN != types.InvalidLSN {
		fmt.Fprintf(out, "source starting lsn: %d\n", result.SourceStartingLSN)
	}
	if result.TargetStartingLSN != types.InvalidLSN {
		fmt.Fprintf(out, "target starting lsn: %d\n", result.TargetStartingLSN)
	}
	if msg := result.Shared.FailedValidationMessage; msg != "" {
		fmt.Fprintf(out, "validation: %s\n", msg)
	}
}
