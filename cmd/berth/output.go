package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/berth/pkg/types"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}

func printState(out io.Writer, s *types.State) {
	fmt.Fprintf(out, "Repository: %s\n", s.Repository)
	if s.Runtime.Available {
		fmt.Fprintf(out, "Runtime:    %s\n", s.Runtime.Backend)
	} else if s.Runtime.Error != nil {
		fmt.Fprintf(out, "Runtime:    %s (unavailable: %s)\n", s.Runtime.Backend, s.Runtime.Error.Message)
	}
	if !s.Online {
		fmt.Fprintln(out, "Releases:   offline, showing cached list")
	}

	if s.Active != nil {
		state := "stopped"
		if s.Active.Running {
			state = "running"
		}
		fmt.Fprintf(out, "Active:     %s (%s, %s)\n", s.Active.Tag, shortID(s.Active.ID), state)
	} else {
		fmt.Fprintln(out, "Active:     none")
	}
	fmt.Fprintf(out, "Ports:      ui %d, ssh %d\n", s.Ports.UI, s.Ports.SSH)
	fmt.Fprintf(out, "Retention:  keep %d\n", s.Policy.EffectiveKeepCount())
	if s.Operation != nil && !s.Operation.Status.Terminal() {
		fmt.Fprintf(out, "Operation:  %s %s (%s)\n", s.Operation.Type, s.Operation.Status, s.Operation.Message)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tCATEGORY\tAVAILABILITY\tINSTALLABILITY\tSTATE\tSIZE")
	for _, v := range s.Versions {
		size := "-"
		if v.ImageSize > 0 {
			size = units.HumanSize(float64(v.ImageSize))
		}
		state := orDash(string(v.ActivityState))
		if v.IsActive {
			state += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Tag, v.Category, v.Availability, orDash(string(v.Installability)), state, size)
	}
	w.Flush()

	if len(s.Retained) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RETAINED ID\tTAG\tRETAINED")
		for _, r := range s.Retained {
			at := r.CreatedAt
			if r.RetainedAt != nil {
				at = *r.RetainedAt
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", shortID(r.ID), r.Tag, since(at))
		}
		w.Flush()
	}
}

func printInventory(out io.Writer, inv *types.Inventory) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tTAG\tID\tSIZE\tCREATED")
	for _, img := range inv.Images {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", img.Repo, orDash(img.Tag),
			shortID(strings.TrimPrefix(img.ID, "sha256:")),
			units.HumanSize(float64(img.Size)), since(img.CreatedAt))
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER\tNAME\tIMAGE\tSTATE")
	for _, c := range inv.Containers {
		state := "stopped"
		if c.Running {
			state = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(c.ID), c.Name, c.Image, state)
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VOLUME\tDRIVER")
	for _, v := range inv.Volumes {
		fmt.Fprintf(w, "%s\t%s\n", v.Name, v.Driver)
	}
	w.Flush()
}

func printPrune(out io.Writer, r *types.PruneReport) {
	for _, name := range r.VolumesDeleted {
		fmt.Fprintf(out, "Deleted volume %s\n", name)
	}
	fmt.Fprintf(out, "Reclaimed %s\n", units.BytesSize(float64(r.SpaceReclaimed)))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
