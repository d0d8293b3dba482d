// Package scripts discovers and executes package lifecycle scripts
// (preinstall, install, postinstall) against the materialized virtual
// store.
package scripts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"xpm/pkg/config"
	"xpm/pkg/types"
	"xpm/pkg/utils"
)

// DefaultTimeout bounds one script's wall-clock run time.
const DefaultTimeout = 5 * time.Minute

// maxLogLine caps how much of one output line is accumulated before it is
// forwarded to the logger; anything longer continues on following lines.
const maxLogLine = 1024 * 1024

// Runner executes lifecycle scripts. Stages run strictly in order
// (preinstall, install, postinstall); within a stage up to Parallelism
// scripts run concurrently with no ordering between packages. Script
// failures are logged and counted, never fatal.
type Runner struct {
	// Parallelism caps concurrent scripts within a stage. Zero or less
	// means one worker per CPU.
	Parallelism int
	// Timeout bounds each script; the shell and its children are killed
	// when it expires. Zero means DefaultTimeout.
	Timeout time.Duration
	// ProjectBin is the project-level node_modules/.bin, placed on PATH
	// after the package's own bin directory.
	ProjectBin string
	// GlobalBin, when set, is appended to PATH after ProjectBin.
	GlobalBin string

	Logger *log.Logger
}

// Discover walks the virtual store and returns one task per lifecycle
// script declared by a materialized package. A non-nil allow set restricts
// discovery to those package names. Tasks come back sorted by package and
// stage for stable output.
func (r *Runner) Discover(vsRoot string, allow map[string]bool) ([]types.ScriptTask, error) {
	entries, err := os.ReadDir(vsRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading virtual store: %w", err)
	}

	var tasks []types.ScriptTask
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, version, ok := utils.SplitDirName(entry.Name())
		if !ok {
			continue
		}
		if allow != nil && !allow[name] {
			continue
		}

		modules := filepath.Join(vsRoot, entry.Name(), config.ModulesDir)
		pkgDir := filepath.Join(modules, filepath.FromSlash(name))
		cfg, err := config.LoadConfigFromPath(filepath.Join(pkgDir, config.ConfigFile))
		if err != nil {
			r.logger().Debug("no readable manifest, skipping scripts", "package", name, "error", err)
			continue
		}

		for _, stage := range types.ScriptStages {
			command, ok := cfg.Scripts[string(stage)]
			if !ok || command == "" {
				continue
			}
			tasks = append(tasks, types.ScriptTask{
				Package: name,
				Version: version,
				Stage:   stage,
				Command: command,
				Dir:     pkgDir,
				BinDir:  filepath.Join(modules, config.BinDir),
			})
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Package != tasks[j].Package {
			return tasks[i].Package < tasks[j].Package
		}
		return stageIndex(tasks[i].Stage) < stageIndex(tasks[j].Stage)
	})
	return tasks, nil
}

// RunAll executes the tasks stage by stage and returns the number of
// failed scripts. A stage fully drains before the next one starts, so a
// package's preinstall always precedes every install, but two packages'
// scripts within one stage are unordered.
func (r *Runner) RunAll(ctx context.Context, tasks []types.ScriptTask) int {
	buckets := make(map[types.ScriptStage][]types.ScriptTask)
	for _, task := range tasks {
		buckets[task.Stage] = append(buckets[task.Stage], task)
	}

	failed := 0
	for _, stage := range types.ScriptStages {
		bucket := buckets[stage]
		if len(bucket) == 0 {
			continue
		}
		failed += r.runStage(ctx, bucket)
	}
	return failed
}

func (r *Runner) runStage(ctx context.Context, tasks []types.ScriptTask) int {
	numWorkers := min(r.parallelism(), len(tasks))

	workCh := make(chan types.ScriptTask, len(tasks))
	for _, task := range tasks {
		workCh <- task
	}
	close(workCh)

	var failures atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range workCh {
				if err := r.runTask(ctx, task); err != nil {
					failures.Add(1)
					r.logger().Warn("lifecycle script failed",
						"package", task.Package, "version", task.Version,
						"stage", task.Stage, "error", err)
				}
			}
		}()
	}
	wg.Wait()

	return int(failures.Load())
}

func (r *Runner) runTask(ctx context.Context, task types.ScriptTask) error {
	prog, err := syntax.NewParser().Parse(strings.NewReader(task.Command), string(task.Stage))
	if err != nil {
		return fmt.Errorf("parsing script: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := r.logger().With("package", task.Package, "stage", string(task.Stage))
	stdout, flushOut := lineStream(sub, "")
	stderr, flushErr := lineStream(sub, "stderr")
	defer func() {
		flushOut()
		flushErr()
	}()

	runner, err := interp.New(
		interp.Dir(task.Dir),
		interp.Env(expand.ListEnviron(r.scriptEnv(task)...)),
		interp.StdIO(nil, stdout, stderr),
	)
	if err != nil {
		return fmt.Errorf("creating interpreter: %w", err)
	}

	err = runner.Run(runCtx, prog)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	if err != nil {
		if exitStatus, ok := interp.IsExitStatus(err); ok {
			return fmt.Errorf("exit status %d", int(exitStatus))
		}
		return err
	}
	return nil
}

// scriptEnv builds the script environment: the parent environment with
// PATH prefixed by the package's own .bin, the project .bin, and the
// global bin directory, plus the npm_* variables scripts expect.
func (r *Runner) scriptEnv(task types.ScriptTask) []string {
	pathParts := make([]string, 0, 4)
	for _, dir := range []string{task.BinDir, r.ProjectBin, r.GlobalBin} {
		if dir != "" {
			pathParts = append(pathParts, dir)
		}
	}
	if current := os.Getenv("PATH"); current != "" {
		pathParts = append(pathParts, current)
	}

	env := make([]string, 0, len(os.Environ())+4)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		"PATH="+strings.Join(pathParts, string(filepath.ListSeparator)),
		"npm_lifecycle_event="+string(task.Stage),
		"npm_package_name="+task.Package,
		"npm_package_version="+task.Version,
	)
}

func (r *Runner) parallelism() int {
	if r.Parallelism > 0 {
		return r.Parallelism
	}
	return runtime.NumCPU()
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// lineStream returns a writer that forwards each written line to the
// logger as it arrives, and a flush func that drains the tail once the
// writer is done. Lines longer than maxLogLine are forwarded in chunks so
// the stream keeps draining behind them.
func lineStream(logger *log.Logger, stream string) (io.Writer, func()) {
	pr, pw := io.Pipe()
	done := make(chan struct{})

	emit := func(line []byte) {
		if stream == "" {
			logger.Print(string(line))
		} else {
			logger.Print(string(line), "stream", stream)
		}
	}

	go func() {
		defer close(done)
		defer pr.Close()
		br := bufio.NewReaderSize(pr, 64*1024)
		var line []byte
		for {
			chunk, isPrefix, err := br.ReadLine()
			line = append(line, chunk...)
			if err != nil {
				if len(line) > 0 {
					emit(line)
				}
				return
			}
			if !isPrefix || len(line) >= maxLogLine {
				emit(line)
				line = line[:0]
			}
		}
	}()

	return pw, func() {
		pw.Close()
		<-done
	}
}

func stageIndex(stage types.ScriptStage) int {
	for i, s := range types.ScriptStages {
		if s == stage {
			return i
		}
	}
	return len(types.ScriptStages)
}
