package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"restlink/internal/errors"
	"restlink/internal/restaurant"
)

var (
	doctorFormat  string
	doctorTimeout time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose source configuration and reachability",
	Long: `Check credentials for every enabled source, dial each one through the connection
manager and report the resulting handle states.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorFormat, "format", "human", "Output format (json, human, yaml)")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 60*time.Second, "Overall time limit")
	rootCmd.AddCommand(doctorCmd)
}

// credentialEnv names the API key variable for sources that need one
var credentialEnv = map[restaurant.SourceID]string{
	restaurant.SourcePlaces: "GOOGLE_MAPS_API_KEY",
	restaurant.SourceYelp:   "YELP_API_KEY",
}

func runDoctor(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := newContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, doctorTimeout)
	defer cancelTimeout()

	resp := &DoctorResponseCLI{Healthy: true}
	resp.Checks = append(resp.Checks, checkStorage(a))

	ids := a.conns.Sources()
	if len(ids) == 0 {
		resp.Checks = append(resp.Checks, DoctorCheck{
			Name:    "sources",
			Status:  "fail",
			Message: "no sources are enabled",
			SuggestedFixes: []errors.FixAction{{
				Type:        errors.EditConfig,
				Key:         "sources",
				Description: "Enable at least one source",
			}},
		})
	}
	for _, id := range ids {
		if env, ok := credentialEnv[id]; ok && !hasCredential(a, id) {
			resp.Checks = append(resp.Checks, DoctorCheck{
				Name:    string(id) + " credentials",
				Status:  "fail",
				Message: env + " is not set",
				SuggestedFixes: []errors.FixAction{{
					Type:        errors.SetEnv,
					Key:         env,
					Description: "Export the API key or add it to .env",
				}},
			})
			continue
		}
		resp.Checks = append(resp.Checks, checkConnection(ctx, a, id))
	}

	resp.Handles = a.conns.Stats()
	for _, c := range resp.Checks {
		if c.Status == "fail" {
			resp.Healthy = false
		}
	}

	out, err := FormatResponse(resp, OutputFormat(doctorFormat))
	if err != nil {
		return err
	}
	fmt.Println(out)

	if !resp.Healthy {
		return fmt.Errorf("doctor found issues")
	}
	return nil
}

func hasCredential(a *app, id restaurant.SourceID) bool {
	switch id {
	case restaurant.SourcePlaces:
		return a.cfg.Sources.Places.APIKey != ""
	case restaurant.SourceYelp:
		return a.cfg.Sources.Yelp.APIKey != ""
	}
	return true
}

// checkConnection dials id through the manager and releases the handle untouched
func checkConnection(ctx context.Context, a *app, id restaurant.SourceID) DoctorCheck {
	check := DoctorCheck{Name: string(id) + " connection"}

	start := time.Now()
	h, err := a.conns.Acquire(ctx, id)
	if err != nil {
		check.Status = "fail"
		check.Message = err.Error()
		if code := errors.CodeOf(err); code != errors.ConnectionFailed {
			check.SuggestedFixes = errors.GetSuggestedFixes(code)
		}
		return check
	}
	a.conns.Release(h)

	check.Status = "pass"
	check.Message = fmt.Sprintf("%s in %dms", h.State(), time.Since(start).Milliseconds())
	return check
}

func checkStorage(a *app) DoctorCheck {
	check := DoctorCheck{Name: "run store"}

	db, err := a.openStore()
	if err != nil {
		check.Status = "warn"
		check.Message = err.Error()
		return check
	}
	defer func() { _ = db.Close() }()

	check.Status = "pass"
	check.Message = db.Path()
	if _, err := os.Stat(db.Path()); err != nil {
		check.Status = "warn"
		check.Message = err.Error()
	}
	return check
}
