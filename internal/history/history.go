// Package history lists saved question sets, downloads their files and
// makes sure a set has audio.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/backend"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/poll"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// TimestampLayout is how the backend formats a set's creation time.
const TimestampLayout = "2006-01-02 15:04:05"

// DefaultInterval is the audio status poll cadence for saved sets.
const DefaultInterval = 3 * time.Second

const downloadLimit = 4

// ErrSetNotFound is returned when no saved set has the requested name.
var ErrSetNotFound = errors.New("question set not found")

// Backend is the part of the backend API used here.
type Backend interface {
	History(ctx context.Context) ([]backend.HistoryEntry, error)
	Fetch(ctx context.Context, pathOrURL string) (io.ReadCloser, error)
	CheckOrGenerateAudio(ctx context.Context, setName string) (backend.AudioCheck, error)
	AudioTaskStatus(ctx context.Context, taskID string) (string, error)
}

// File is one downloadable file of a set.
type File struct {
	Key  string
	Name string
	URL  string
}

// Set is a saved question set.
type Set struct {
	Name      string
	Timestamp string
	Created   time.Time // zero when Timestamp does not parse
	Files     []File
}

// Date and Time split the raw timestamp for display.
func (s Set) Date() string {
	d, _, _ := strings.Cut(s.Timestamp, " ")
	return d
}

func (s Set) Time() string {
	_, t, _ := strings.Cut(s.Timestamp, " ")
	return t
}

// File returns the file with the given display name or key.
func (s Set) File(name string) (File, bool) {
	for _, f := range s.Files {
		if f.Name == name || f.Key == name {
			return f, true
		}
	}
	return File{}, false
}

// FileName turns a storage key such as "answer_key_pdf" into the file name
// "answer_key.pdf". Only the last underscore marks the extension.
func FileName(key string) string {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 || i == len(key)-1 {
		return key
	}
	return key[:i] + "." + key[i+1:]
}

// AudioPath is where the backend serves a set's full audio.
func AudioPath(set string) string {
	return "/static/output/" + url.PathEscape(set) + "/full_set_audio.wav"
}

// Option configures a Service.
type Option func(*Service)

// WithPoller sets the polling policy for EnsureAudio.
func WithPoller(p *poll.Client) Option { return func(s *Service) { s.poller = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// Service is the history feature.
type Service struct {
	backend Backend
	poller  *poll.Client
	logger  *slog.Logger
}

// New creates a Service.
func New(b Backend, opts ...Option) *Service {
	s := &Service{backend: b, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.poller == nil {
		s.poller = &poll.Client{Interval: DefaultInterval, Logger: s.logger}
	}
	return s
}

// List returns the saved sets, newest first. Sets whose timestamp does not
// parse go last.
func (s *Service) List(ctx context.Context) ([]Set, error) {
	entries, err := s.backend.History(ctx)
	if err != nil {
		return nil, workflow.FromRemote("load history", err)
	}

	sets := make([]Set, 0, len(entries))
	for _, e := range entries {
		set := Set{Name: e.FolderName, Timestamp: e.Timestamp}
		if t, err := time.ParseInLocation(TimestampLayout, e.Timestamp, time.Local); err == nil {
			set.Created = t
		} else {
			s.logger.Debug("unparseable history timestamp", "set", e.FolderName, "timestamp", e.Timestamp)
		}
		for key, u := range e.Files {
			set.Files = append(set.Files, File{Key: key, Name: FileName(key), URL: u})
		}
		sort.Slice(set.Files, func(i, j int) bool { return set.Files[i].Name < set.Files[j].Name })
		sets = append(sets, set)
	}

	sort.SliceStable(sets, func(i, j int) bool {
		a, b := sets[i].Created, sets[j].Created
		if a.IsZero() != b.IsZero() {
			return b.IsZero()
		}
		return a.After(b)
	})
	return sets, nil
}

// Find returns the set named name.
func (s *Service) Find(ctx context.Context, name string) (Set, error) {
	sets, err := s.List(ctx)
	if err != nil {
		return Set{}, err
	}
	for _, set := range sets {
		if strings.EqualFold(set.Name, name) {
			return set, nil
		}
	}
	return Set{}, fmt.Errorf("%w: %s", ErrSetNotFound, name)
}

// Download fetches the named files of set into dir, four at a time, and
// returns the written paths in the order requested. No names means every
// file. On failure, files already written by this call are removed.
func (s *Service) Download(ctx context.Context, set Set, names []string, dir string) ([]string, error) {
	files := set.Files
	if len(names) > 0 {
		files = make([]File, 0, len(names))
		for _, n := range names {
			f, ok := set.File(n)
			if !ok {
				return nil, workflow.Invalid("file", fmt.Sprintf("Set %s has no file %q", set.Name, n))
			}
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, workflow.Invalid("file", "Please select a file to download.")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}

	paths := make([]string, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(downloadLimit)
	for i, f := range files {
		g.Go(func() error {
			p, err := s.fetchTo(gCtx, f, dir)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", f.Name, err)
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range paths {
			if p != "" {
				os.Remove(p)
			}
		}
		return nil, workflow.FromRemote("download history files", err)
	}
	return paths, nil
}

func (s *Service) fetchTo(ctx context.Context, f File, dir string) (string, error) {
	body, err := s.backend.Fetch(ctx, f.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	path := filepath.Join(dir, filepath.Base(f.Name))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	s.logger.Debug("history file saved", "path", path)
	return path, nil
}

// AudioResult is the outcome of EnsureAudio.
type AudioResult struct {
	Status string // "ready", "completed" or an "error..." status
	TaskID string
	URL    string
}

// Ready reports whether the set's audio can be fetched.
func (r AudioResult) Ready() bool {
	return r.Status == "ready" || poll.IsSuccess(r.Status)
}

// EnsureAudio returns at once when the set already has audio. Otherwise the
// backend starts synthesis and the task is polled until it finishes.
// onUpdate receives every non-terminal status.
func (s *Service) EnsureAudio(ctx context.Context, set string, onUpdate func(status string)) (AudioResult, error) {
	res := AudioResult{URL: AudioPath(set)}
	check, err := s.backend.CheckOrGenerateAudio(ctx, set)
	if err != nil {
		return res, workflow.FromRemote("check audio", err)
	}
	res.Status, res.TaskID = check.Status, check.TaskID
	if check.Status == "ready" {
		return res, nil
	}

	s.logger.Info("audio generation started", "set", set, "task", check.TaskID)
	status, err := s.poller.Await(ctx, check.TaskID, s.backend.AudioTaskStatus, onUpdate)
	res.Status = status
	if err != nil {
		return res, err
	}
	if !poll.IsSuccess(status) {
		return res, workflow.Rejected("audio-failed", "Audio generation failed: "+status)
	}
	return res, nil
}
