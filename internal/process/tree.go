package process

import gopsproc "github.com/shirou/gopsutil/v4/process"

// descendants lists the transitive children of pid, deepest first.
func descendants(pid int32) []int32 {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int32
	for _, c := range children {
		out = append(out, descendants(c.Pid)...)
		out = append(out, c.Pid)
	}
	return out
}
