package config

import (
	"errors"
	"fmt"
	"slices"
)

// OutputModes are the accepted values of the output key.
var OutputModes = []string{"auto", "text", "markdown", "json"}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.OutputFormat != "" && !slices.Contains(OutputModes, c.OutputFormat) {
		errs = append(errs, fmt.Errorf("output must be one of %v, got %q", OutputModes, c.OutputFormat))
	}
	if c.Runtime.CompileWorkers < 0 {
		errs = append(errs, fmt.Errorf("runtime.compile_workers must not be negative, got %d", c.Runtime.CompileWorkers))
	}
	if c.Runtime.InvokeTimeout < 0 {
		errs = append(errs, fmt.Errorf("runtime.invoke_timeout must not be negative, got %s", c.Runtime.InvokeTimeout))
	}
	if c.ErrorLog.MessageCap < 0 || c.ErrorLog.DetailsCap < 0 {
		errs = append(errs, errors.New("errorlog caps must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.location: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
