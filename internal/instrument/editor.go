package instrument

import (
	"bytes"
	"go/token"
	"sort"
)

// editor accumulates insertions against an immutable source buffer and
// renders them in one pass. Untouched bytes come through verbatim, so the
// rewritten file keeps the original formatting, comments and line breaks
// outside the injected statements.
type editor struct {
	fset *token.FileSet
	src  []byte
	ins  []insertion
}

type insertion struct {
	off  int
	seq  int
	text string
}

func newEditor(fset *token.FileSet, src []byte) *editor {
	return &editor{fset: fset, src: src}
}

// insert schedules text to be placed immediately before the byte at pos.
// Insertions at the same offset render in call order.
func (e *editor) insert(pos token.Pos, text string) {
	e.ins = append(e.ins, insertion{
		off:  e.fset.Position(pos).Offset,
		seq:  len(e.ins),
		text: text,
	})
}

func (e *editor) bytes() []byte {
	ins := make([]insertion, len(e.ins))
	copy(ins, e.ins)
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].off != ins[j].off {
			return ins[i].off < ins[j].off
		}
		return ins[i].seq < ins[j].seq
	})

	var buf bytes.Buffer
	buf.Grow(len(e.src) + len(ins)*64)
	last := 0
	for _, in := range ins {
		buf.Write(e.src[last:in.off])
		buf.WriteString(in.text)
		last = in.off
	}
	buf.Write(e.src[last:])
	return buf.Bytes()
}
