package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/nuetzliches/toolhub/internal/config"
	"github.com/nuetzliches/toolhub/internal/hub"
)

// engineSpecs resolves configured engines into launchable specs. Built-in
// services are run by re-executing this binary as `toolhub engine`.
func engineSpecs(compiled config.Compiled, executable string) ([]hub.EngineSpec, error) {
	specs := make([]hub.EngineSpec, 0, len(compiled.Engines))
	var errs []error
	for _, e := range compiled.Engines {
		env, err := e.ResolvedEnv()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		spec := hub.EngineSpec{
			Name:    e.Name,
			Command: e.Command,
			Args:    append([]string(nil), e.Args...),
			Env:     env,
			Dir:     e.Dir,
			Timeout: e.Timeout,
		}
		if spec.Timeout == 0 {
			spec.Timeout = compiled.RPCTimeout
		}
		if e.Service != "" {
			spec.Command = executable
			base := []string{"engine", "--service", e.Service, "--log-level", compiled.Log.Level}
			if compiled.Sandbox.AllowSystem {
				base = append(base, "--allow-system")
			}
			spec.Args = append(base, e.Args...)
		}
		specs = append(specs, spec)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return specs, nil
}

func selfExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve own executable: %w", err)
	}
	return exe, nil
}
