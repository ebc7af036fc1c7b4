package tuner

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/logger"
	"kptv-broker/work/provider"
	"kptv-broker/work/utils"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// Pipeline binds a tuner to a channel and produces the address viewers play. Start is called
// with the scheduler lock held and must not wait on the stream itself.
type Pipeline interface {
	Start(ctx context.Context, t Tuner, channel string) (string, error)
	Stop(t Tuner) error
}

// DirectPipeline hands out the device's own per-tuner URL
type DirectPipeline struct{}

// DeviceURL is the HDHomeRun address that binds tuner t to channel
func DeviceURL(t Tuner, channel string) string {
	return fmt.Sprintf("%s/tuner%d/v%s", provider.StreamBase(t.BaseURL), t.Index, channel)
}

func (DirectPipeline) Start(_ context.Context, t Tuner, channel string) (string, error) {
	return DeviceURL(t, channel), nil
}

func (DirectPipeline) Stop(Tuner) error { return nil }

// FFmpegPipeline repackages each tuner feed to HLS with one ffmpeg process group per tuner
type FFmpegPipeline struct {
	Binary    string   // defaults to "ffmpeg"
	PreInput  []string // arguments before -i
	PreOutput []string // arguments before the output
	Dir       string   // playlists are written to Dir/<tuner>/index.m3u8
	PublicURL string   // Dir as seen by viewers, e.g. http://host:8080/hls

	// OnExit is called when ffmpeg ends without Stop having been called. It runs on its own
	// goroutine with no pipeline lock held.
	OnExit func(tunerID string, err error)

	mu    sync.Mutex
	procs map[string]*ffmpegProc
}

type ffmpegProc struct {
	cmd  *exec.Cmd
	done chan error
	dir  string
}

// NewFFmpegPipeline creates an ffmpeg pipeline
func NewFFmpegPipeline(dir, publicURL string, preInput, preOutput []string) *FFmpegPipeline {
	return &FFmpegPipeline{
		Binary:    "ffmpeg",
		PreInput:  preInput,
		PreOutput: preOutput,
		Dir:       dir,
		PublicURL: strings.TrimRight(publicURL, "/"),
		procs:     make(map[string]*ffmpegProc),
	}
}

func (p *FFmpegPipeline) args(input, playlist string) []string {
	args := append([]string{}, p.PreInput...)
	args = append(args, "-i", input)
	args = append(args, p.PreOutput...)
	return append(args,
		"-c", "copy",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments+omit_endlist",
		playlist,
	)
}

// Start launches ffmpeg for t; a process still running for t is stopped first
func (p *FFmpegPipeline) Start(_ context.Context, t Tuner, channel string) (string, error) {
	p.Stop(t)

	name := utils.SanitizeName(t.ID)
	dir := filepath.Join(p.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create hls dir: %w", err)
	}

	input := DeviceURL(t, channel)
	args := p.args(input, filepath.Join(dir, "index.m3u8"))
	logger.Debug("{tuner/pipeline - Start} %s: %s %s", t.ID, p.Binary, strings.Join(args, " "))

	// the process outlives the request that started it; Stop owns its lifetime
	cmd := exec.Command(p.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", p.Binary, err)
	}

	proc := &ffmpegProc{cmd: cmd, done: make(chan error, 1), dir: dir}
	p.mu.Lock()
	p.procs[t.ID] = proc
	p.mu.Unlock()
	go p.watch(t.ID, proc)

	logger.Info("{tuner/pipeline - Start} ffmpeg pid %d repackaging %s channel %s", cmd.Process.Pid, t.ID, channel)
	return p.PublicURL + "/" + name + "/index.m3u8", nil
}

// watch reaps the process. An exit nobody asked for unregisters it and is reported through OnExit.
func (p *FFmpegPipeline) watch(tunerID string, proc *ffmpegProc) {
	err := proc.cmd.Wait()
	proc.done <- err

	p.mu.Lock()
	unexpected := p.procs[tunerID] == proc
	if unexpected {
		delete(p.procs, tunerID)
	}
	p.mu.Unlock()
	if !unexpected {
		return
	}

	if err == nil {
		err = errors.New("ffmpeg exited")
	}
	logger.Warn("{tuner/pipeline - watch} ffmpeg for %s ended on its own: %v", tunerID, err)
	if rmErr := os.RemoveAll(proc.dir); rmErr != nil {
		logger.Warn("{tuner/pipeline - watch} failed to clean %s: %v", proc.dir, rmErr)
	}
	if p.OnExit != nil {
		p.OnExit(tunerID, err)
	}
}

// Stop kills the process group of t's ffmpeg and removes its output
func (p *FFmpegPipeline) Stop(t Tuner) error {
	p.mu.Lock()
	proc, ok := p.procs[t.ID]
	delete(p.procs, t.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL)
	<-proc.done
	if err := os.RemoveAll(proc.dir); err != nil {
		logger.Warn("{tuner/pipeline - Stop} failed to clean %s: %v", proc.dir, err)
	}
	logger.Debug("{tuner/pipeline - Stop} ffmpeg for %s stopped", t.ID)
	return nil
}

// Running reports whether an ffmpeg process is registered for the tuner
func (p *FFmpegPipeline) Running(tunerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.procs[tunerID]
	return ok
}
