// Package main runs a scripted scenario against the simulated mecanum base and prints where the robot ended
// up next to where it thinks it is.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("mecanumsim"))
}

// Arguments for the command.
type Arguments struct {
	Scenario string `flag:"0,required,usage=scenario yaml file"`
	Debug    bool   `flag:"debug,usage=log every step"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = logging.NewDebugLogger("mecanumsim")
	}

	scenario, err := loadScenario(argsParsed.Scenario)
	if err != nil {
		return err
	}
	result, err := scenario.run(ctx, logger)
	if err != nil {
		return err
	}
	printResult(os.Stdout, result)
	return nil
}

func printResult(w io.Writer, r *Result) {
	fmt.Fprintf(w, "elapsed   %v\n", r.Elapsed)
	fmt.Fprintf(w, "true pose %s\n", r.TruePose)
	fmt.Fprintf(w, "estimate  (%.3f, %.3f, %.1f°) stale=%v\n",
		r.Estimate["x"], r.Estimate["y"], r.Estimate["theta_deg"], r.Estimate["stale"])
	for i, resp := range r.Responses {
		fmt.Fprintf(w, "response %d: %v\n", i, resp)
	}

	keys := make([]string, 0, len(r.Telemetry))
	for k := range r.Telemetry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-32s %v\n", k, r.Telemetry[k])
	}
}
