// Package main is the viam module serving the mecanum base.
package main

import (
	"context"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	goutils "go.viam.com/utils"

	"github.com/Team-5243/Reefscape/mecanumbase"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("mecanumBaseModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	mecanumModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	if err := mecanumModule.AddModelFromRegistry(ctx, base.API, mecanumbase.Model); err != nil {
		return err
	}

	err = mecanumModule.Start(ctx)
	defer mecanumModule.Close(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
