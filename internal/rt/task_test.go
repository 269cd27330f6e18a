package rt

import (
	"testing"

	"taskrt/internal/memory"
)

func TestTaskBlob_LayoutAligned(t *testing.T) {
	task := newTask(nil, 1, TaskSpec{
		ArgSize:    13,
		ArgAlign:   16,
		Devices:    []memory.DeviceKind{memory.KindCPU, memory.KindAccelerator},
		PolicySize: 24,
	}, 128)

	if len(task.Args()) != 13 {
		t.Fatalf("arg blob length: got %d want 13", len(task.Args()))
	}
	if task.argOff%16 != 0 {
		t.Fatalf("arg offset %d not aligned to 16", task.argOff)
	}
	for i := range task.devices {
		if task.devOffs[i]%64 != 0 {
			t.Fatalf("device block %d offset %d not aligned to 64", i, task.devOffs[i])
		}
		if len(task.DeviceData(i)) != 128 {
			t.Fatalf("device block %d length: got %d want 128", i, len(task.DeviceData(i)))
		}
	}
	if len(task.PolicyData()) != 24 {
		t.Fatalf("policy blob length: got %d want 24", len(task.PolicyData()))
	}

	// Sub-blocks must not overlap: device block 0 starts at or after the
	// argument blob ends, and so on.
	if task.devOffs[0] < task.argOff+task.argLen {
		t.Fatal("device block 0 overlaps args")
	}
	if task.devOffs[1] < task.devOffs[0]+task.devLen {
		t.Fatal("device block 1 overlaps device block 0")
	}
	if task.polOff < task.devOffs[1]+task.devLen {
		t.Fatal("policy blob overlaps device blocks")
	}
}

func TestTask_TieAndCandidates(t *testing.T) {
	task := newTask(nil, 7, TaskSpec{Devices: []memory.DeviceKind{memory.KindAccelerator}}, 0)
	if task.TiedWorker() != -1 {
		t.Fatalf("fresh task must be untied, got %d", task.TiedWorker())
	}
	task.TieTo(3)
	if task.TiedWorker() != 3 {
		t.Fatalf("tied worker: got %d want 3", task.TiedWorker())
	}
	kinds := task.DeviceCandidates()
	if len(kinds) != 1 || kinds[0] != memory.KindAccelerator {
		t.Fatalf("candidates: got %v", kinds)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, a, want int }{
		{0, 8, 0}, {1, 8, 8}, {8, 8, 8}, {9, 8, 16}, {13, 16, 16}, {64, 64, 64},
	}
	for _, c := range cases {
		if got := alignUp(c.n, c.a); got != c.want {
			t.Fatalf("alignUp(%d,%d): got %d want %d", c.n, c.a, got, c.want)
		}
	}
}
