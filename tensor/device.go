package tensor

// Device identifies where a tensor's backing memory logically lives. The
// cache itself is host-resident; a non-CPU tag is carried through slicing
// and concatenation so the serving layer knows where the result is bound.
type Device string

// CPU is the default device for newly created tensors.
const CPU Device = "cpu"

func (d Device) String() string {
	if d == "" {
		return string(CPU)
	}
	return string(d)
}
