package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcription-palantir/internal/models"
)

func TestBuildArgsIncludesCoreFlags(t *testing.T) {
	e := New(Config{
		Binary:      "whisper",
		Model:       "base",
		Task:        "transcribe",
		ComputeType: "int8",
		Language:    "en",
		OutputExt:   "txt",
	})

	args := e.BuildArgs(Request{AudioPath: "/watch/a.mp3", OutputDir: "/out", BaseName: "a"})
	joined := fmt.Sprint(args)
	assert.Contains(t, joined, "/watch/a.mp3")
	assert.Contains(t, joined, "base")
	assert.Contains(t, joined, "int8")
	assert.Contains(t, joined, "en")
	assert.Contains(t, joined, "/out")
}

func TestExpectedOutputPathDefaultsToTxt(t *testing.T) {
	e := New(Config{Binary: "whisper"})
	got := e.expectedOutputPath(Request{OutputDir: "/out", BaseName: "lecture"})
	assert.Equal(t, filepath.Join("/out", "lecture.txt"), got)
}

func writeFakeEngine(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine script is a shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestRunReportsProgressAndSucceeds(t *testing.T) {
	outDir := t.TempDir()
	script := fmt.Sprintf(`#!/bin/sh
echo "progress = 10%%" 1>&2
echo "progress = 50%%" 1>&2
echo "progress = 100%%" 1>&2
echo "transcript" > "%s/a.txt"
exit 0
`, outDir)
	bin := writeFakeEngine(t, script)

	e := New(Config{Binary: bin, OutputExt: "txt"})
	var percents []int
	res, err := e.Run(context.Background(), Request{AudioPath: "/watch/a.mp3", OutputDir: outDir, BaseName: "a"},
		func(p int) { percents = append(percents, p) }, nil)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "a.txt"), res.OutputPath)
	assert.Equal(t, []int{10, 50, 99}, percents) // 100% is capped to 99 until success is confirmed by exit code
}

func TestRunInvokesOnStartWithLiveProcess(t *testing.T) {
	outDir := t.TempDir()
	script := fmt.Sprintf("#!/bin/sh\necho transcript > \"%s/a.txt\"\nexit 0\n", outDir)
	bin := writeFakeEngine(t, script)

	e := New(Config{Binary: bin, OutputExt: "txt"})
	var started *os.Process
	_, err := e.Run(context.Background(), Request{AudioPath: "/watch/a.mp3", OutputDir: outDir, BaseName: "a"},
		func(int) {}, func(proc *os.Process) { started = proc })

	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Greater(t, started.Pid, 0)
}

func TestRunClassifiesMissingOutputAsErrOutputMissing(t *testing.T) {
	outDir := t.TempDir()
	script := "#!/bin/sh\nexit 0\n"
	bin := writeFakeEngine(t, script)

	e := New(Config{Binary: bin, OutputExt: "txt"})
	_, err := e.Run(context.Background(), Request{AudioPath: "/watch/a.mp3", OutputDir: outDir, BaseName: "a"}, func(int) {}, nil)

	require.Error(t, err)
	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, models.ErrOutputMissing, classified.Code)
}

func TestRunClassifiesNonZeroExitAsEngineCrash(t *testing.T) {
	outDir := t.TempDir()
	script := "#!/bin/sh\necho boom 1>&2\nexit 1\n"
	bin := writeFakeEngine(t, script)

	e := New(Config{Binary: bin, OutputExt: "txt"})
	_, err := e.Run(context.Background(), Request{AudioPath: "/watch/a.mp3", OutputDir: outDir, BaseName: "a"}, func(int) {}, nil)

	require.Error(t, err)
	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, models.ErrEngineCrash, classified.Code)
}

func TestRunClassifiesDecodeFailureAsFileInvalid(t *testing.T) {
	outDir := t.TempDir()
	script := "#!/bin/sh\necho 'could not decode audio stream' 1>&2\nexit 1\n"
	bin := writeFakeEngine(t, script)

	e := New(Config{Binary: bin, OutputExt: "txt"})
	_, err := e.Run(context.Background(), Request{AudioPath: "/watch/a.mp3", OutputDir: outDir, BaseName: "a"}, func(int) {}, nil)

	require.Error(t, err)
	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, models.ErrFileInvalid, classified.Code)
}

func TestRunClassifiesMissingBinaryAsEngineNotFound(t *testing.T) {
	e := New(Config{Binary: "definitely-not-a-real-engine-binary"})
	_, err := e.Run(context.Background(), Request{AudioPath: "/watch/a.mp3", OutputDir: t.TempDir(), BaseName: "a"}, func(int) {}, nil)

	require.Error(t, err)
	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, models.ErrEngineNotFound, classified.Code)
}
