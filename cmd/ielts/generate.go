package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/audiojobs"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow/generation"
)

// defaultExportFiles is offered at the review prompt.
var defaultExportFiles = []string{"questions.pdf", "answers.pdf", "transcript.pdf", "audio.wav"}

type cliNavigator struct{}

func (cliNavigator) Navigate(target string) {
	printStep("Back to the question generator (%s). Run `ielts spec build` for the next set.", target)
}

func exportDir(cmd *cobra.Command, a *app) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return a.cfg.Export.Dir
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate questions from the pending spec, review and export them",
	Long: `Generate questions from the pending spec, review the draft, optionally
regenerate parts, then download the selected files.

Examples:
  ielts generate
  ielts generate --files questions.pdf,answers.pdf
  ielts generate --files questions.pdf --edit "2=make the map labelling harder"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			return runGenerate(cmd, a)
		})
	},
}

func newGenerationFlow(a *app, dir string) *generation.Flow {
	return generation.New(a.backend, generation.DirSink(dir),
		generation.WithAudioStarter(a.tracker),
		generation.WithPendingStore(a.store),
		generation.WithNavigator(cliNavigator{}),
		generation.WithLogger(a.logger),
		generation.WithMachineOptions(a.machineOptions()...),
	)
}

func runGenerate(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	files, _ := cmd.Flags().GetString("files")
	edits, _ := cmd.Flags().GetStringArray("edit")
	waitAudio, _ := cmd.Flags().GetBool("wait-audio")
	interactive := files == ""
	p := a.prompter()

	flow := newGenerationFlow(a, exportDir(cmd, a))
	flow.Start(nil)
	started := time.Now()

	for !flow.IsTerminal() {
		var in workflow.Input
		if flow.Step() == generation.ReadyForReview {
			var err error
			if interactive {
				in, err = askReview(p)
			} else {
				in, err = reviewFromFlags(files, edits)
			}
			if err != nil {
				settle(ctx, flow)
				return err
			}
		}

		err := flow.Submit(ctx, in)
		switch {
		case err == nil:
		case generation.IsPartial(err):
			printWarning("%s", workflow.Describe(err))
		case flow.Step() == generation.AwaitingGenerationStart && workflow.Kind(err) == "validation":
			settle(ctx, flow)
			return err
		case recoverable(err):
			printError("%s", workflow.Describe(err))
			retry := false
			if interactive {
				retry, _ = p.Confirm("Try again?")
			}
			if !retry {
				settle(ctx, flow)
				return err
			}
		default:
			settle(ctx, flow)
			return err
		}
	}

	st := flow.State()
	printSuccess("Bundle saved to %s", st.Context[generation.KeyBundle])
	backgroundAudio := st.Context[generation.KeyGenerateWithAudio] != "true"

	// Stops the live watch; an unfinished audio job stays queued.
	settle(ctx, flow)

	if !backgroundAudio {
		return nil
	}
	job, ok, err := latestAudioJob(a, started)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		printWarning("Background audio could not be started. Run `ielts history audio <set>` once the set is saved.")
		return nil
	case job.Status == storage.JobCompleted:
		printSuccess("Background audio finished")
		return nil
	case job.Status == storage.JobFailed:
		printWarning("Background audio failed: %s", job.LastStatus)
		return nil
	}
	if !waitAudio {
		printStep("Audio is still being generated. Run `ielts audio resume` to wait for it.")
		return nil
	}
	printStep("Waiting for the background audio...")
	if _, err := audiojobs.NewWorker(a.tracker, 0).Drain(ctx); err != nil {
		return err
	}
	return printJobs(a, 1)
}

// settle waits for a background audio start still in flight, then resets
// the flow. Reset releases a watched audio job back to the queue.
func settle(ctx context.Context, flow *generation.Flow) {
	select {
	case <-flow.AudioStarted():
	case <-ctx.Done():
	}
	flow.Reset()
}

// latestAudioJob returns the newest draft audio job created since since.
func latestAudioJob(a *app, since time.Time) (storage.PollJob, bool, error) {
	jobs, err := a.tracker.Jobs(10)
	if err != nil {
		return storage.PollJob{}, false, err
	}
	for _, j := range jobs {
		if j.Kind == audiojobs.KindGenerationAudio && !j.CreatedAt.Before(since.Truncate(time.Second)) {
			return j, true, nil
		}
	}
	return storage.PollJob{}, false, nil
}

func askReview(p *prompter) (workflow.Input, error) {
	printSuccess("Draft ready for review. Run `ielts preview` in another terminal to inspect it.")
	files, err := p.Line("Files to export, comma separated", strings.Join(defaultExportFiles, ","))
	if err != nil {
		return nil, err
	}
	parts, err := p.Line("Parts to regenerate, e.g. 1,3 (empty for none)", "")
	if err != nil {
		return nil, err
	}
	in := workflow.Input{generation.KeyFiles: files, generation.KeyEdit: parts}
	for _, part := range strings.Split(parts, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		spec, err := p.Line(fmt.Sprintf("Changes for part %s", part), "")
		if err != nil {
			return nil, err
		}
		in[generation.KeySpecPrefix+part] = spec
	}
	return in, nil
}

// reviewFromFlags turns --edit "N=changes" values into review input.
func reviewFromFlags(files string, edits []string) (workflow.Input, error) {
	in := workflow.Input{generation.KeyFiles: files}
	var parts []string
	for _, e := range edits {
		part, spec, _ := strings.Cut(e, "=")
		part = strings.TrimSpace(part)
		parts = append(parts, part)
		in[generation.KeySpecPrefix+part] = strings.TrimSpace(spec)
	}
	if len(parts) > 0 {
		in[generation.KeyEdit] = strings.Join(parts, ",")
	}
	return in, nil
}

func init() {
	generateCmd.Flags().String("files", "", "files to export, comma separated (skips the review prompts)")
	generateCmd.Flags().StringArray("edit", nil, `part to regenerate before export, as "N=changes" (repeatable)`)
	generateCmd.Flags().String("dir", "", "directory for the downloaded bundle (default: export.dir)")
	generateCmd.Flags().Bool("wait-audio", false, "wait for background audio before exiting")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <file>...",
	Short: "Save and download files of the current draft",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skipSave, _ := cmd.Flags().GetBool("skip-save")
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			if !skipSave {
				printStep("Saving %s", strings.Join(args, ", "))
				if err := a.backend.SaveFiles(ctx, args); err != nil {
					return workflow.FromRemote("save files", err)
				}
			}
			dl, err := a.backend.DownloadFiles(ctx, args)
			if err != nil {
				return workflow.FromRemote("download files", err)
			}
			defer dl.Body.Close()

			path, err := generation.DirSink(exportDir(cmd, a)).Save(dl.Filename, dl.Body)
			if err != nil {
				return err
			}
			printSuccess("Bundle saved to %s", path)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().Bool("skip-save", false, "download without saving the files to history first")
	exportCmd.Flags().String("dir", "", "directory for the downloaded bundle (default: export.dir)")
}

// --- audio ---

var audioCmd = &cobra.Command{
	Use:   "audio",
	Short: "Inspect and resume background audio jobs",
}

var audioStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List background audio jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(func(a *app) error {
			return printJobs(a, limit)
		})
	},
}

var audioResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Poll queued audio jobs until they finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		return withApp(func(a *app) error {
			w := audiojobs.NewWorker(a.tracker, 0)
			if follow {
				printStep("Watching audio jobs, press Ctrl-C to stop")
				w.Run(cmd.Context())
				return nil
			}
			n, err := w.Drain(cmd.Context())
			if err != nil {
				return err
			}
			if n == 0 {
				printSuccess("No audio jobs waiting")
				return nil
			}
			printSuccess("%d audio job(s) processed", n)
			return printJobs(a, n)
		})
	},
}

var audioPartCmd = &cobra.Command{
	Use:   "part <n>",
	Short: "Download the audio of one part of the current draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > generation.NumParts {
			return workflow.Invalid("part", generation.MsgBadPart)
		}
		return withApp(func(a *app) error {
			body, err := a.backend.PartAudio(cmd.Context(), n)
			if err != nil {
				return workflow.FromRemote("download part audio", err)
			}
			defer body.Close()

			path, err := generation.DirSink(exportDir(cmd, a)).Save(fmt.Sprintf("part_%d_audio.wav", n), body)
			if err != nil {
				return err
			}
			printSuccess("Part %d audio saved to %s", n, path)
			return nil
		})
	},
}

func printJobs(a *app, limit int) error {
	jobs, err := a.tracker.Jobs(limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No audio jobs.")
		return nil
	}
	for _, j := range jobs {
		last := j.LastStatus
		if last == "" {
			last = "-"
		}
		fmt.Printf("%s  %-16s  %-10s  %-20s  %s  %s\n",
			colorize(styleStep, j.ID[:8]),
			j.Kind,
			j.Status,
			last,
			j.UpdatedAt.Local().Format(time.DateTime),
			j.Label,
		)
	}
	return nil
}

func init() {
	audioStatusCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	audioResumeCmd.Flags().Bool("follow", false, "keep watching for new jobs until interrupted")
	audioPartCmd.Flags().String("dir", "", "output directory (default: export.dir)")
	audioCmd.AddCommand(audioStatusCmd, audioResumeCmd, audioPartCmd)
}
