package models

// Resource is a cpu/memory vector. Admission arithmetic is componentwise;
// Fits means every component fits.
type Resource struct {
	CPU    float64 `json:"cpu_cores"`
	MemMiB float64 `json:"mem_mib"`
}

func (r Resource) Add(o Resource) Resource {
	return Resource{CPU: r.CPU + o.CPU, MemMiB: r.MemMiB + o.MemMiB}
}

func (r Resource) Sub(o Resource) Resource {
	return Resource{CPU: r.CPU - o.CPU, MemMiB: r.MemMiB - o.MemMiB}
}

func (r Resource) Scale(f float64) Resource {
	return Resource{CPU: r.CPU * f, MemMiB: r.MemMiB * f}
}

// Fits reports whether r fits inside capacity, componentwise.
func (r Resource) Fits(capacity Resource) bool {
	return r.CPU <= capacity.CPU && r.MemMiB <= capacity.MemMiB
}

// Max returns the componentwise maximum.
func (r Resource) Max(o Resource) Resource {
	out := r
	if o.CPU > out.CPU {
		out.CPU = o.CPU
	}

	if o.MemMiB > out.MemMiB {
		out.MemMiB = o.MemMiB
	}

	return out
}

func (r Resource) IsZero() bool {
	return r.CPU == 0 && r.MemMiB == 0
}
