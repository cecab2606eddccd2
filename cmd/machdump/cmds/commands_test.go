package cmds

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-delve/machdump/pkg/taskdump"
	"github.com/go-delve/machdump/pkg/taskdump/faketask"
)

const testPid = 42

func newTestTask() *faketask.Task {
	uuid := [16]byte{0: 0xaa, 15: 0xbb}
	exe := faketask.Image{
		Segments: []faketask.Segment{
			{Name: "__PAGEZERO", VMSize: 0x100000000},
			{Name: "__TEXT", VMAddr: 0x100000000, VMSize: 0x4000, FileSize: 0x4000},
		},
		UUID: &uuid,
	}
	lib := faketask.Image{
		Segments:     []faketask.Segment{{Name: "__TEXT", VMSize: 0x8000, FileSize: 0x8000}},
		Dylib:        true,
		DylibName:    "/usr/lib/libfoo.dylib",
		DylibVersion: 0x00020105,
		UUID:         &uuid,
	}

	task := faketask.New(0x1000)
	task.Map(0x100000000, exe.Bytes())
	task.Map(0x180000000, lib.Bytes())
	task.Map(0x10000, []byte("/bin/app\x00/usr/lib/libfoo.dylib\x00"))
	task.SetImageList(0x1000, 0x2000, []taskdump.ImageInfo{
		{LoadAddress: 0x180000000, FilePath: 0x10009},
		{LoadAddress: 0x100000000, FilePath: 0x10000},
	})
	task.AddThread(0x103, []uint32{1, 2, 3, 4})
	return task
}

type testRun struct {
	task     *faketask.Task
	released bool
	outDir   string
}

func (tr *testRun) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	saved := openTask
	openTask = func(pid int) (*taskdump.TaskDumper, func() error, error) {
		if pid != testPid {
			return nil, nil, errors.New("no such process")
		}
		return taskdump.New(tr.task), func() error { tr.released = true; return nil }, nil
	}
	defer func() { openTask = saved }()

	cmd := New(true)
	conf.OutputDir = tr.outDir
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestModulesCommand(t *testing.T) {
	tr := &testRun{task: newTestTask()}
	out, err := tr.run(t, "modules", "42")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 modules; but was:\n%s", out)
	}
	if !strings.HasPrefix(lines[0], "*") || !strings.HasSuffix(lines[0], " app") {
		t.Fatalf("expected the main executable first; but was %q", lines[0])
	}
	if !strings.Contains(lines[1], " 2.1.5 ") || !strings.HasSuffix(lines[1], " libfoo.dylib") {
		t.Fatalf("unexpected dylib line %q", lines[1])
	}
	if !tr.released {
		t.Fatalf("task not released")
	}
}

func TestDumpCommand(t *testing.T) {
	dir := t.TempDir()
	tr := &testRun{task: newTestTask(), outDir: dir}

	path := filepath.Join(dir, "out.dmp")
	out, err := tr.run(t, "dump", "42", "-o", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Dump written to "+path) {
		t.Fatalf("unexpected output %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 32 || string(data[:4]) != "MDMP" {
		t.Fatalf("not a minidump")
	}

	if _, err := tr.run(t, "dump", "42"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "42.dmp")); err != nil {
		t.Fatalf("expected the dump in the output directory: %v", err)
	}
}

func TestDumpCommandWithoutExecutable(t *testing.T) {
	dir := t.TempDir()
	task := faketask.New(0x1000)
	task.SetImageList(0x1000, 0x2000, nil)
	tr := &testRun{task: task, outDir: dir}

	if _, err := tr.run(t, "dump", "42"); err == nil {
		t.Fatalf("expected an error")
	}
	if _, err := os.Stat(filepath.Join(dir, "42.dmp")); !os.IsNotExist(err) {
		t.Fatalf("expected the partial dump to be removed; but was <%v>", err)
	}
}

func TestRegionCommand(t *testing.T) {
	tr := &testRun{task: newTestTask()}

	out, err := tr.run(t, "region", "42", "0x180000010")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "0x0000000180000000-0x0000000180001000 rw-/rwx 0x1000\n") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = tr.run(t, "region", "42", "0x50000")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0x50000 is not mapped") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestThreadsCommand(t *testing.T) {
	tr := &testRun{task: newTestTask()}
	out, err := tr.run(t, "threads", "42")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "0x103 ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	tr := &testRun{}
	out, err := tr.run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Version: 0.3.0") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCommandErrors(t *testing.T) {
	for _, tc := range []struct {
		args []string
		err  string
	}{
		{[]string{"dump"}, "you must provide a PID"},
		{[]string{"modules", "abc"}, "invalid pid: abc"},
		{[]string{"region", "42"}, "region expects 2 arguments"},
		{[]string{"region", "42", "zz"}, "invalid address: zz"},
		{[]string{"threads", "7"}, "could not attach to pid 7: no such process"},
		{[]string{"modules", "42", "--log-output", "minidump"}, "--log-output specified without --log"},
		{[]string{"modules", "42", "--log_output", "minidump"}, "--log-output specified without --log"},
	} {
		tr := &testRun{task: newTestTask()}
		_, err := tr.run(t, tc.args...)
		if err == nil || err.Error() != tc.err {
			t.Fatalf("%q: expected error %q; but was <%v>", tc.args, tc.err, err)
		}
	}
}
