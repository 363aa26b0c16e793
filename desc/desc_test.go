package desc

import (
	"encoding/binary"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cqhci/dma"
	"github.com/sarchlab/cqhci/tags"
)

func newRing(layout Layout, busBase uint64) *Ring {
	bus := dma.NewBus(busBase, 0)
	region, err := bus.AllocCoherent(layout.Size())
	Expect(err).NotTo(HaveOccurred())

	r, err := NewRing(region, layout)
	Expect(err).NotTo(HaveOccurred())

	return r
}

var _ = Describe("Field", func() {
	It("should place and extract values at the documented bit positions", func() {
		Expect(Valid.Put(1)).To(Equal(uint64(1 << 0)))
		Expect(End.Put(1)).To(Equal(uint64(1 << 1)))
		Expect(Int.Put(1)).To(Equal(uint64(1 << 2)))
		Expect(Act.Put(0x7)).To(Equal(uint64(0x7 << 3)))
		Expect(ForcedProg.Put(1)).To(Equal(uint64(1 << 6)))
		Expect(ContextID.Put(0xF)).To(Equal(uint64(0xF << 7)))
		Expect(DataTag.Put(1)).To(Equal(uint64(1 << 11)))
		Expect(DataDir.Put(1)).To(Equal(uint64(1 << 12)))
		Expect(Priority.Put(1)).To(Equal(uint64(1 << 13)))
		Expect(QBAR.Put(1)).To(Equal(uint64(1 << 14)))
		Expect(RelWrite.Put(1)).To(Equal(uint64(1 << 15)))
		Expect(BlkCount.Put(0xFFFF)).To(Equal(uint64(0xFFFF << 16)))
		Expect(BlkAddr.Put(0xFFFFFFFF)).To(Equal(uint64(0xFFFFFFFF) << 32))
		Expect(CmdIndex.Put(0x3F)).To(Equal(uint64(0x3F << 16)))
		Expect(CmdTiming.Put(1)).To(Equal(uint64(1 << 22)))
		Expect(RespType.Put(0x3)).To(Equal(uint64(0x3 << 23)))
		Expect(DatLength.Put(0xFFFF)).To(Equal(uint64(0xFFFF << 16)))
		Expect(DataUnitNum.Put(0xFFFFFFFF)).To(Equal(uint64(0xFFFFFFFF)))
		Expect(CryptoConfigIndex.Put(0xFF)).To(Equal(uint64(0xFF) << 32))
		Expect(CryptoEnable.Put(1)).To(Equal(uint64(1) << 47))
	})

	It("should truncate oversized values", func() {
		Expect(ContextID.Put(0x1F)).To(Equal(uint64(0xF << 7)))
		Expect(ContextID.Get(ContextID.Put(0x1F))).To(Equal(uint64(0xF)))
	})
})

var _ = Describe("Ring", func() {
	var layout Layout

	BeforeEach(func() {
		layout = Layout{
			NumSlots:    32,
			DirectTag:   31,
			TaskDesc128: true,
			DMA64:       true,
			MaxSegments: 4,
		}
	})

	It("should size the slots like the controller expects", func() {
		Expect(layout.SlotSize()).To(Equal(32))
		Expect(layout.TransDescLen()).To(Equal(16))

		layout.ShortTransferDesc = true
		Expect(layout.TransDescLen()).To(Equal(12))

		layout.TaskDesc128 = false
		layout.DMA64 = false
		layout.ShortTransferDesc = false
		Expect(layout.SlotSize()).To(Equal(16))
		Expect(layout.TransDescLen()).To(Equal(8))
		Expect(layout.TransferAreaSize()).To(Equal(8 * 4 * 31))
	})

	It("should encode the exact data word", func() {
		w := EncodeDataWord(DataCommand{
			Dir:        DirRead,
			BlockCount: 8,
			BlockAddr:  0x1234,
			Interrupt:  true,
		})

		Expect(w).To(Equal(uint64(0x000012340008102F)))
	})

	It("should encode the exact direct word", func() {
		w := EncodeDirectWord(DirectCommand{Opcode: 6, Resp: RespR1B})

		Expect(w).To(Equal(uint64(0x000000000186402F)))

		none := DecodeTask(binary.LittleEndian.AppendUint64(nil,
			EncodeDirectWord(DirectCommand{Opcode: 13, Resp: RespNone})))
		Expect(none.RespType).To(Equal(uint8(0)))
		Expect(none.CmdTiming).To(Equal(uint8(1)))

		r1 := DecodeTask(binary.LittleEndian.AppendUint64(nil,
			EncodeDirectWord(DirectCommand{Opcode: 13, Resp: RespR1})))
		Expect(r1.RespType).To(Equal(uint8(2)))
		Expect(r1.CmdTiming).To(Equal(uint8(1)))
	})

	It("should write link descriptors pointing at each transfer chain", func() {
		r := newRing(layout, 0x1_0000_0000)

		for tag := 0; tag < 31; tag++ {
			link := r.DecodeLink(tag)
			Expect(link.Valid).To(BeTrue())
			Expect(link.Act).To(Equal(uint8(ActLink)))
			Expect(link.End).To(BeFalse())
			Expect(link.Addr).To(Equal(r.TransferBase(tag)))
		}

		direct := r.DecodeLink(31)
		Expect(direct.Valid).To(BeFalse())
		Expect(direct.End).To(BeTrue())
	})

	It("should round trip random data commands", func() {
		r := newRing(layout, 0x1_0000_0000)
		rng := rand.New(rand.NewSource(7))

		for i := 0; i < 500; i++ {
			tag := rng.Intn(31)
			c := DataCommand{
				Dir:           Direction(1 + rng.Intn(2)),
				BlockCount:    uint32(1 + rng.Intn(0xFFFF)),
				BlockAddr:     rng.Uint32(),
				Interrupt:     rng.Intn(2) == 0,
				ForcedProg:    rng.Intn(2) == 0,
				Context:       uint8(rng.Intn(16)),
				DataTag:       rng.Intn(2) == 0,
				Priority:      rng.Intn(2) == 0,
				QBAR:          rng.Intn(2) == 0,
				ReliableWrite: rng.Intn(2) == 0,
			}
			for n := 1 + rng.Intn(4); n > 0; n-- {
				c.Segments = append(c.Segments, Segment{
					Addr: rng.Uint64() &^ 3,
					Len:  uint32(1 + rng.Intn(MaxSegmentLen)),
				})
			}

			Expect(r.EncodeData(tag, c)).To(Succeed())

			d := r.Decode(tag)
			Expect(d.Valid).To(BeTrue())
			Expect(d.End).To(BeTrue())
			Expect(d.Act).To(Equal(uint8(ActTask)))
			Expect(d.Interrupt).To(Equal(c.Interrupt))
			Expect(d.Dir).To(Equal(c.Dir))
			Expect(d.BlockCount).To(Equal(c.BlockCount))
			Expect(d.BlockAddr).To(Equal(c.BlockAddr))
			Expect(d.ForcedProg).To(Equal(c.ForcedProg))
			Expect(d.Context).To(Equal(c.Context))
			Expect(d.DataTag).To(Equal(c.DataTag))
			Expect(d.Priority).To(Equal(c.Priority))
			Expect(d.QBAR).To(Equal(c.QBAR))
			Expect(d.ReliableWrite).To(Equal(c.ReliableWrite))
			Expect(d.Upper).To(BeZero())
			Expect(r.DecodeTransfers(tag)).To(Equal(c.Segments))
		}
	})

	It("should encode a 64 KiB segment as a zero length", func() {
		r := newRing(layout, 0x1000)

		Expect(r.EncodeData(0, DataCommand{
			Dir:        DirWrite,
			BlockCount: 128,
			Segments:   []Segment{{Addr: 0x2000, Len: MaxSegmentLen}},
		})).To(Succeed())

		raw := r.transferBytes(0, 0)
		Expect(DatLength.Get(uint64(binary.LittleEndian.Uint32(raw)))).To(BeZero())
		Expect(r.DecodeTransfers(0)).To(Equal([]Segment{{Addr: 0x2000, Len: MaxSegmentLen}}))
	})

	It("should use 32-bit addresses without 64-bit DMA", func() {
		layout.DMA64 = false
		r := newRing(layout, 0x8000_0000)

		Expect(r.EncodeData(3, DataCommand{
			Dir:        DirWrite,
			BlockCount: 1,
			Segments:   []Segment{{Addr: 0x9000_0000, Len: 512}},
		})).To(Succeed())

		raw := r.transferBytes(3, 0)
		Expect(raw).To(HaveLen(8))
		Expect(binary.LittleEndian.Uint32(raw[4:])).To(Equal(uint32(0x9000_0000)))

		err := r.EncodeData(3, DataCommand{
			Dir:        DirWrite,
			BlockCount: 1,
			Segments:   []Segment{{Addr: 0x1_0000_0000, Len: 512}},
		})
		Expect(err).To(MatchError(ErrAddressRange))
	})

	It("should refuse a region above 4 GiB without 64-bit DMA", func() {
		layout.DMA64 = false
		bus := dma.NewBus(0x1_0000_0000, 0)
		region, _ := bus.AllocCoherent(layout.Size())

		_, err := NewRing(region, layout)
		Expect(err).To(MatchError(ErrAddressRange))
	})

	It("should refuse a region that is too small", func() {
		bus := dma.NewBus(0x1000, 0)
		region, _ := bus.AllocCoherent(layout.Size() - 1)

		_, err := NewRing(region, layout)
		Expect(err).To(HaveOccurred())
	})

	It("should reject malformed data commands", func() {
		r := newRing(layout, 0x1000)
		seg := []Segment{{Addr: 0x2000, Len: 512}}

		Expect(r.EncodeData(31, DataCommand{BlockCount: 1, Segments: seg})).
			To(MatchError(ErrNotDataTag))
		Expect(r.EncodeData(0, DataCommand{BlockCount: 0, Segments: seg})).
			To(MatchError(ErrBlockCount))
		Expect(r.EncodeData(0, DataCommand{BlockCount: 0x10000, Segments: seg})).
			To(MatchError(ErrBlockCount))
		Expect(r.EncodeData(0, DataCommand{BlockCount: 1, Context: 16, Segments: seg})).
			To(MatchError(ErrContext))
		Expect(r.EncodeData(0, DataCommand{BlockCount: 1})).
			To(MatchError(ErrNoSegments))
		Expect(r.EncodeData(0, DataCommand{BlockCount: 1, Segments: make([]Segment, 5)})).
			To(MatchError(ErrTooManySegments))
		Expect(r.EncodeData(0, DataCommand{BlockCount: 1, Segments: []Segment{{Addr: 1}}})).
			To(MatchError(ErrSegmentLength))
	})

	It("should put the direct command in the reserved slot only", func() {
		r := newRing(layout, 0x1000)

		Expect(r.EncodeDirect(31, DirectCommand{Opcode: 13, Arg: 0x10000, Resp: RespR1})).
			To(Succeed())

		d := r.Decode(31)
		Expect(d.Valid).To(BeTrue())
		Expect(d.CmdIndex).To(Equal(uint8(13)))
		Expect(d.QBAR).To(BeTrue())
		Expect(d.Upper).To(Equal(uint64(0x10000)))

		Expect(r.EncodeDirect(0, DirectCommand{Opcode: 13})).To(MatchError(ErrNotDirectTag))
		Expect(r.EncodeDirect(31, DirectCommand{Opcode: 64})).To(MatchError(ErrCommandIndex))
	})

	It("should keep the direct argument with 64-bit task descriptors", func() {
		layout.TaskDesc128 = false
		r := newRing(layout, 0x1000)

		Expect(r.EncodeDirect(31, DirectCommand{Opcode: 6, Arg: 0x03B70100, Resp: RespR1B})).
			To(Succeed())
		Expect(r.Decode(31).Upper).To(Equal(uint64(0x03B70100)))
		Expect(r.Extension(31)).To(BeNil())
	})

	It("should clear the valid bit and the extension on invalidate", func() {
		r := newRing(layout, 0x1000)
		Expect(r.EncodeData(2, DataCommand{
			Dir:        DirRead,
			BlockCount: 1,
			Segments:   []Segment{{Addr: 0x2000, Len: 512}},
		})).To(Succeed())
		binary.LittleEndian.PutUint64(r.Extension(2), 0xFFFF)

		r.Invalidate(2)

		d := r.Decode(2)
		Expect(d.Valid).To(BeFalse())
		Expect(d.BlockCount).To(Equal(uint32(1)))
		Expect(d.Upper).To(BeZero())
	})

	It("should work without a direct tag", func() {
		layout.DirectTag = tags.NoDirectTag
		r := newRing(layout, 0x1000)

		Expect(r.Layout().DataSlots()).To(Equal(32))
		Expect(r.DecodeLink(31).Valid).To(BeTrue())
		Expect(r.EncodeDirect(31, DirectCommand{})).To(MatchError(ErrNotDirectTag))
	})

	It("should reject a direct tag that is not the last slot", func() {
		layout.DirectTag = 5
		Expect(layout.Validate()).To(HaveOccurred())
	})
})
