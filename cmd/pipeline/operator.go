package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/spf13/cobra"
)

func newIncidentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "List incidents and apply operator transitions",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			incidents, err := a.store.Incidents(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSEVERITY\tLAST SEEN\tTITLE")
			for _, inc := range incidents {
				if status != "" && inc.Status != status {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					inc.IncidentID, inc.Status, inc.Severity, inc.LastSeenAt.Format("2006-01-02 15:04"), inc.Title)
			}
			return w.Flush()
		}),
	}
	list.Flags().StringVar(&status, "status", "", "only show incidents in this status")

	cmd.AddCommand(
		list,
		incidentTransitionCmd("ack", "Acknowledge an incident", store.IncidentAcknowledged),
		incidentTransitionCmd("resolve", "Resolve an incident", store.IncidentResolved),
	)
	return cmd
}

func incidentTransitionCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [incident-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid incident id %q", args[0])
			}
			if err := a.store.SetIncidentStatus(cmd.Context(), id, status); err != nil {
				return fmt.Errorf("incident %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "incident %d %s\n", id, status)
			return nil
		}),
	}
}

func newStationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "station",
		Short: "Manage monitored stations",
	}

	var (
		name      string
		lat, lon  float64
		smoketest bool
	)
	add := &cobra.Command{
		Use:   "add [external-id]",
		Short: "Register a station, superseding its current version",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			st := store.Station{
				ExternalID:  args[0],
				Name:        name,
				IsSmoketest: smoketest,
			}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				st.Lat, st.Lon = &lat, &lon
			}
			if err := a.store.PutStation(cmd.Context(), &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "station %s registered as %d\n", st.ExternalID, st.StationID)
			return nil
		}),
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().Float64Var(&lat, "lat", 0, "latitude")
	add.Flags().Float64Var(&lon, "lon", 0, "longitude")
	add.Flags().BoolVar(&smoketest, "smoketest", false, "exclude the station from ingestion and detection")

	cmd.AddCommand(add)
	return cmd
}
