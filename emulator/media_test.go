package emulator

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Media", func() {
	It("should read and write in a single unit", func() {
		m := NewMedia(4096)
		Expect(m.WriteAt([]byte{1, 2, 3, 4}, 0)).To(Succeed())

		res := make([]byte, 2)
		Expect(m.ReadAt(res, 0)).To(Succeed())
		Expect(res).To(Equal([]byte{1, 2}))

		Expect(m.ReadAt(res, 1)).To(Succeed())
		Expect(res).To(Equal([]byte{2, 3}))
	})

	It("should read and write across units", func() {
		m := NewMedia(8192)
		Expect(m.WriteAt([]byte{1, 2, 3, 4}, 4094)).To(Succeed())

		res := make([]byte, 4)
		Expect(m.ReadAt(res, 4094)).To(Succeed())
		Expect(res).To(Equal([]byte{1, 2, 3, 4}))
		Expect(m.Touched()).To(Equal(2))
	})

	It("should refuse accesses past the capacity", func() {
		m := NewMedia(4096)
		Expect(m.WriteAt([]byte{1}, 4096)).To(MatchError(ErrBeyondCapacity))
		Expect(m.ReadAt(make([]byte, 2), 4095)).To(MatchError(ErrBeyondCapacity))
		Expect(m.Touched()).To(BeZero())
	})
})
