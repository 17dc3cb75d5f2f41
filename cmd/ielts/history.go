package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/audiojobs"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/document"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/history"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse saved question sets",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved question sets, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(func(a *app) error {
			sets, err := a.history.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Println("No saved question sets.")
				return nil
			}
			if limit > 0 && len(sets) > limit {
				sets = sets[:limit]
			}
			for _, s := range sets {
				names := make([]string, len(s.Files))
				for i, f := range s.Files {
					names[i] = f.Name
				}
				fmt.Printf("%s  %s %s  %s\n",
					colorize(styleLabel, fmt.Sprintf("%-10s", s.Name)),
					s.Date(), s.Time(),
					strings.Join(names, ", "),
				)
			}
			return nil
		})
	},
}

var historyDownloadCmd = &cobra.Command{
	Use:   "download <set> [file]...",
	Short: "Download files of a saved set (all files when none are named)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			set, err := a.history.Find(cmd.Context(), args[0])
			if errors.Is(err, history.ErrSetNotFound) {
				return workflow.Invalid("set", fmt.Sprintf("No saved set named %q", args[0]))
			}
			if err != nil {
				return err
			}
			dir := exportDir(cmd, a)
			if d, _ := cmd.Flags().GetString("dir"); d == "" {
				dir = filepath.Join(dir, set.Name)
			}
			paths, err := a.history.Download(cmd.Context(), set, args[1:], dir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				printSuccess("Saved %s", p)
			}
			return nil
		})
	},
}

var historyAudioCmd = &cobra.Command{
	Use:   "audio <set>",
	Short: "Make sure a saved set has audio, generating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detach, _ := cmd.Flags().GetBool("detach")
		set := args[0]
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			audioURL := a.backend.BaseURL() + history.AudioPath(set)

			if detach {
				check, err := a.backend.CheckOrGenerateAudio(ctx, set)
				if err != nil {
					return workflow.FromRemote("check audio", err)
				}
				if check.Status == "ready" {
					printSuccess("Audio ready: %s", audioURL)
					return nil
				}
				job, err := a.tracker.Enqueue(audiojobs.KindHistoryAudio, check.TaskID, set)
				if err != nil {
					return err
				}
				printSuccess("Audio generation started (job %s). Run `ielts audio resume` to wait for it.", job.ID[:8])
				return nil
			}

			printStep("Checking audio for %s", set)
			res, err := a.history.EnsureAudio(ctx, set, func(status string) {
				printStatus("Audio", "%s", status)
			})
			if err != nil {
				return err
			}
			printSuccess("Audio ready: %s", a.backend.BaseURL()+res.URL)
			return nil
		})
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 0, "maximum number of sets to list")
	historyDownloadCmd.Flags().String("dir", "", "download directory (default: <export.dir>/<set>)")
	historyAudioCmd.Flags().Bool("detach", false, "queue the audio job and return immediately")
	historyCmd.AddCommand(historyListCmd, historyDownloadCmd, historyAudioCmd)
}

// --- mark ---

var markCmd = &cobra.Command{
	Use:   "mark <set> <answer-sheet>...",
	Short: "Mark answer sheets against a saved set and download the report",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			printStep("Uploading %d answer sheet(s) for %s", len(args)-1, args[0])
			url, err := a.marking.Submit(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			if out == "" {
				out = a.cfg.Export.Dir
			}
			report, err := a.marking.FetchReport(ctx, url, out)
			if err != nil {
				return err
			}
			printSuccess("Marking report saved to %s", report.Path)
			printInfo(report.Info)
			return nil
		})
	},
}

func init() {
	markCmd.Flags().String("out", "", "directory or .pdf path for the report (default: export.dir)")
}

// --- preview ---

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Download a PDF preview of the current draft",
	RunE: func(cmd *cobra.Command, args []string) error {
		latest, _ := cmd.Flags().GetBool("latest")
		out, _ := cmd.Flags().GetString("out")
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			fetch := a.backend.PreviewPDF
			if latest {
				fetch = a.backend.LatestPDF
			}
			body, err := fetch(ctx)
			if err != nil {
				return workflow.FromRemote("download preview", err)
			}
			defer body.Close()
			data, err := io.ReadAll(body)
			if err != nil {
				return workflow.FromRemote("download preview", err)
			}

			if out == "" {
				out = filepath.Join(a.cfg.Export.Dir, "preview.pdf")
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("creating preview directory: %w", err)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("writing preview: %w", err)
			}
			printSuccess("Preview saved to %s", out)

			info, err := document.InspectReader(bytes.NewReader(data), int64(len(data)))
			if err != nil {
				printWarning("Preview is not a readable PDF: %v", err)
				return nil
			}
			printInfo(info)
			return nil
		})
	},
}

func printInfo(info document.Info) {
	if info.Pages == 0 {
		return
	}
	printStatus("Pages", "%d", info.Pages)
	if info.Excerpt != "" {
		printStatus("Starts with", "%s", info.Excerpt)
	}
}

func init() {
	previewCmd.Flags().Bool("latest", false, "download the last rendered question paper instead of rendering a new preview")
	previewCmd.Flags().String("out", "", "output path (default: <export.dir>/preview.pdf)")
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the themes, topics and question types the generator offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			cat, err := a.catalog.Get(cmd.Context())
			if err != nil {
				return workflow.FromRemote("load catalog", err)
			}
			fmt.Println(colorize(styleLabel, "Themes"))
			for _, name := range cat.ThemeNames() {
				fmt.Printf("  %s: %s\n", name, strings.Join(cat.Themes[name].Topics, ", "))
			}
			for p := 1; p <= 4; p++ {
				fmt.Println(colorize(styleLabel, fmt.Sprintf("Part %d question types", p)))
				types := cat.Parts[fmt.Sprint(p)].Types
				for _, id := range cat.TypeIDs(p) {
					if d := types[id].Description; d != "" {
						fmt.Printf("  %s: %s\n", id, d)
					} else {
						fmt.Printf("  %s\n", id)
					}
				}
			}
			return nil
		})
	},
}
