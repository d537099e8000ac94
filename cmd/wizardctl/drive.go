package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/valarpay/wizard-service/internal/wizard"
)

type pair struct {
	key   string
	value string
}

func parsePairs(raw []string) ([]pair, error) {
	out := make([]pair, 0, len(raw))
	for _, r := range raw {
		key, value, ok := strings.Cut(r, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", r)
		}
		out = append(out, pair{key: key, value: value})
	}
	return out, nil
}

// drive walks sess from its first step to the confirmation step, then submits.
func drive(ctx context.Context, sess wizard.Session, desc wizard.Descriptor, values []pair, pin string, dryRun bool, out io.Writer) error {
	stepOf := make(map[string]wizard.StepID, len(desc.Fields))
	for _, f := range desc.Fields {
		stepOf[f.Key] = f.Step
	}
	for _, v := range values {
		if _, ok := stepOf[v.key]; !ok {
			return fmt.Errorf("%s has no field %q", desc.Name, v.key)
		}
	}

	for {
		snap := sess.Snapshot()
		if snap.Step == desc.CommitStep {
			break
		}
		for _, v := range values {
			if stepOf[v.key] != snap.Step {
				continue
			}
			if err := sess.Input(ctx, v.key, v.value); err != nil {
				return report(out, sess, err)
			}
			if sess.Snapshot().Step != snap.Step {
				break
			}
		}
		if sess.Snapshot().Step != snap.Step {
			continue
		}
		if err := sess.Advance(ctx); err != nil {
			return report(out, sess, err)
		}
		fmt.Fprintf(out, "> %s\n", sess.Snapshot().Step)
	}

	printSummary(out, sess.Snapshot())
	if dryRun {
		return nil
	}

	if err := sess.Submit(ctx, pin); err != nil {
		return report(out, sess, err)
	}
	snap := sess.Snapshot()
	if snap.Receipt == nil {
		return errors.New("submission finished without a receipt")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, snap.Receipt.ShareText())
	return nil
}

func printSummary(out io.Writer, snap wizard.Snapshot) {
	fmt.Fprintf(out, "\nConfirm %s\n", snap.Flow)
	if v := snap.Verification; v != nil && v.VerifiedName != "" {
		fmt.Fprintf(out, "  %-16s %s\n", "recipient", v.VerifiedName)
	}
	keys := make([]string, 0, len(snap.Fields))
	for key := range snap.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "  %-16s %s\n", key, snap.Fields[key])
	}
}

// report prints the recovery the user would see and returns err.
func report(out io.Writer, sess wizard.Session, err error) error {
	snap := sess.Snapshot()
	if r := snap.Recovery; r != nil {
		fmt.Fprintf(out, "\n%s\n", r.Title)
		for _, m := range r.Messages {
			fmt.Fprintf(out, "  %s\n", m)
		}
	}
	return fmt.Errorf("%s at %s: %w", snap.Flow, snap.Step, err)
}
