//go:build linux

package afring

import "golang.org/x/sys/unix"

// fakeOps stands in for the kernel during setup/teardown tests.
type fakeOps struct {
	ver       Version
	verErr    error
	setVerErr error

	// setRingErr is consumed one error per setRing call; once
	// exhausted, calls succeed.
	setRingErr []error
	// ringCalls records a copy of every layout passed to setRing.
	ringCalls [][]byte

	statsBuf []byte
	statsErr error

	mmapErr error
	mapped  []byte
	munmaps int

	bindErr error
	binds   []int

	// pollErrs is consumed one error per poll call; once exhausted,
	// polls succeed with pollRevents set on the descriptor.
	pollErrs    []error
	pollRevents int16
	polls       int
}

func (f *fakeOps) setVersion(fd int, v Version) error {
	if f.setVerErr != nil {
		return f.setVerErr
	}
	f.ver = v
	return nil
}

func (f *fakeOps) version(fd int) (Version, error) {
	return f.ver, f.verErr
}

func (f *fakeOps) setRing(fd int, layout []byte) error {
	cp := make([]byte, len(layout))
	copy(cp, layout)
	f.ringCalls = append(f.ringCalls, cp)
	if len(f.setRingErr) > 0 {
		err := f.setRingErr[0]
		f.setRingErr = f.setRingErr[1:]
		return err
	}
	return nil
}

func (f *fakeOps) stats(fd int, buf []byte) error {
	if f.statsErr != nil {
		return f.statsErr
	}
	copy(buf, f.statsBuf)
	return nil
}

func (f *fakeOps) mmap(fd, length int) ([]byte, error) {
	if f.mmapErr != nil {
		return nil, f.mmapErr
	}
	f.mapped = make([]byte, length)
	return f.mapped, nil
}

func (f *fakeOps) munmap(b []byte) error {
	f.munmaps++
	return nil
}

func (f *fakeOps) bind(fd, ifindex int) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	f.binds = append(f.binds, ifindex)
	return nil
}

func (f *fakeOps) poll(fds []unix.PollFd, timeoutMS int) (int, error) {
	f.polls++
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	fds[0].Revents = f.pollRevents
	return 1, nil
}

func newTestRing(f *fakeOps) *Ring {
	return &Ring{ops: f}
}

func repeatErr(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}
