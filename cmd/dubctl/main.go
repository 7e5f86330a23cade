package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/api/dto"
	"github.com/cuongbtq/lumi-dubbing/internal/client"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "submit":
		return runSubmit(ctx, args[1:], stdout, stderr)
	case "status":
		return runStatus(ctx, args[1:], stdout, stderr)
	case "wait":
		return runWait(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: dubctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  submit [-wait] [-o path] [-source zh] [-target en] <video>")
	fmt.Fprintln(w, "  status <task_id>")
	fmt.Fprintln(w, "  wait [-o path] <task_id>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The server is taken from -server or DUBBING_SERVER_URL.")
}

// commonFlags are shared by every command
type commonFlags struct {
	server    string
	interval  time.Duration
	maxErrors int
	verbose   bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	server := os.Getenv("DUBBING_SERVER_URL")
	if server == "" {
		server = "http://localhost:8000"
	}
	fs.StringVar(&c.server, "server", server, "dubbing service base URL")
	fs.DurationVar(&c.interval, "interval", client.DefaultPollInterval, "status poll interval")
	fs.IntVar(&c.maxErrors, "max-errors", client.DefaultMaxConsecutiveErrors, "consecutive failed polls before giving up")
	fs.BoolVar(&c.verbose, "v", false, "log every poll")
}

func (c *commonFlags) client(stderr io.Writer) (*client.Client, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(tint.NewHandler(stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))

	return client.New(client.Config{
		BaseURL:              c.server,
		PollInterval:         c.interval,
		MaxConsecutiveErrors: c.maxErrors,
		Logger:               logger,
	})
}

// optionalString records a flag only when it was given on the command line
type optionalString struct{ value *string }

func (o *optionalString) String() string {
	if o.value == nil {
		return ""
	}
	return *o.value
}

func (o *optionalString) Set(v string) error {
	o.value = &v
	return nil
}

type optionalBool struct{ value *bool }

func (o *optionalBool) String() string {
	if o.value == nil {
		return ""
	}
	return fmt.Sprint(*o.value)
}

func (o *optionalBool) Set(v string) error {
	b := v == "true" || v == "1"
	if !b && v != "false" && v != "0" {
		return fmt.Errorf("invalid boolean %q", v)
	}
	o.value = &b
	return nil
}

func (o *optionalBool) IsBoolFlag() bool { return true }

func runSubmit(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	var wait bool
	var output string
	var source, target, whisperModel, ttsMethod, voice, resolution optionalString
	var diarization, subtitles optionalBool
	fs.BoolVar(&wait, "wait", false, "wait for the task and download the result")
	fs.StringVar(&output, "o", ".", "download destination, file or directory (with -wait)")
	fs.Var(&source, "source", "source language")
	fs.Var(&target, "target", "target language")
	fs.Var(&whisperModel, "whisper-model", "speech recognition model")
	fs.Var(&ttsMethod, "tts", "speech synthesis method")
	fs.Var(&voice, "voice", "synthesis voice")
	fs.Var(&resolution, "resolution", "target resolution")
	fs.Var(&diarization, "diarization", "enable speaker diarization")
	fs.Var(&subtitles, "subtitles", "burn in subtitles")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "submit needs exactly one video file")
		return 2
	}

	c, err := common.client(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	taskID, err := c.Submit(ctx, fs.Arg(0), client.SubmitOptions{
		SourceLang:       source.value,
		TargetLang:       target.value,
		WhisperModel:     whisperModel.value,
		TTSMethod:        ttsMethod.value,
		Voice:            voice.value,
		Diarization:      diarization.value,
		Subtitles:        subtitles.value,
		TargetResolution: resolution.value,
	})
	if err != nil {
		fmt.Fprintf(stderr, "submit failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, taskID)

	if !wait {
		return 0
	}
	return waitAndDownload(ctx, c, taskID, output, stdout, stderr)
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "status needs exactly one task id")
		return 2
	}

	c, err := common.client(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	st, err := c.Status(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "status failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if st.Status == dto.StatusUnknown {
		return 1
	}
	return 0
}

func runWait(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	var output string
	fs.StringVar(&output, "o", "", "download destination, file or directory; empty skips the download")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "wait needs exactly one task id")
		return 2
	}

	c, err := common.client(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	return waitAndDownload(ctx, c, fs.Arg(0), output, stdout, stderr)
}

func waitAndDownload(ctx context.Context, c *client.Client, taskID, output string, stdout, stderr io.Writer) int {
	last := ""
	st, err := c.Wait(ctx, taskID, func(u client.Update) {
		if u.Err != nil {
			fmt.Fprintf(stderr, "poll %d: %v\n", u.Poll, u.Err)
			return
		}
		if u.Status.Status != last {
			last = u.Status.Status
			fmt.Fprintf(stderr, "%s: %s\n", taskID, last)
		}
	})
	if err != nil {
		if errors.Is(err, client.ErrTaskFailed) {
			fmt.Fprintf(stderr, "task failed: %s\n", st.FailureReason)
			return 1
		}
		fmt.Fprintf(stderr, "wait failed: %v\n", err)
		return 1
	}

	if output == "" {
		fmt.Fprintln(stdout, st.DownloadURL)
		return 0
	}

	path, err := c.Download(ctx, st, output)
	if err != nil {
		fmt.Fprintf(stderr, "download failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, path)
	return 0
}
