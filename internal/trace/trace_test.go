package trace

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	t.Run("attribute order is kept verbatim", func(tt *testing.T) {
		rec := Begin("hotp.evaluate", Attr("protocol", "HOTP"))
		rec.Step("mod.reduce", "reduce", "", []Attribute{Attr("b", 2), Attr("a", 1), Attr("c", 3)})
		tr := rec.Finish()
		require.NotNil(tt, tr)

		rendered := tr.Render()
		assert.Less(tt, strings.Index(rendered, "  b = 2"), strings.Index(rendered, "  a = 1"))
		assert.Less(tt, strings.Index(rendered, "  a = 1"), strings.Index(rendered, "  c = 3"))

		data, err := json.Marshal(tr)
		require.NoError(tt, err)
		body := string(data)
		assert.Less(tt, strings.Index(body, `"name":"b"`), strings.Index(body, `"name":"a"`))

		step, ok := tr.Step("mod.reduce")
		require.True(tt, ok)
		assert.Equal(tt, 1, step.Attr("a"))
		assert.Nil(tt, step.Attr("missing"))
	})

	t.Run("a before b", func(tt *testing.T) {
		rec := Begin("test")
		rec.Step("s", "", "", []Attribute{{Name: "a", Value: 1}, {Name: "b", Value: 2}})
		rendered := rec.Finish().Render()
		assert.Contains(tt, rendered, "  a = 1\n  b = 2\n")
	})

	t.Run("provenance maps keep insertion order", func(tt *testing.T) {
		rec := Begin("emv.cap.evaluate")
		rec.Provenance("keyDerivation", Map{
			{Key: "zeta", Value: "1"},
			{Key: "alpha", Value: List{"x", Map{{Key: "inner", Value: []byte{0xab}}}}},
		})
		tr := rec.Finish()
		require.NotNil(tt, tr)

		data, err := json.Marshal(tr)
		require.NoError(tt, err)
		assert.Contains(tt, string(data), `{"zeta":"1","alpha":["x",{"inner":"AB"}]}`)

		rendered := tr.Render()
		assert.Contains(tt, rendered, "provenance.keyDerivation.zeta = 1\nprovenance.keyDerivation.alpha[0] = x\nprovenance.keyDerivation.alpha[1].inner = AB\n")

		section, ok := tr.Section("keyDerivation")
		assert.True(tt, ok)
		assert.Len(tt, section.(Map), 2)
	})

	t.Run("finish transfers ownership", func(tt *testing.T) {
		rec := Begin("op")
		rec.Step("one", "", "", nil)
		first := rec.Finish()
		require.NotNil(tt, first)

		rec.Step("two", "", "", nil)
		assert.Nil(tt, rec.Finish())
		assert.Len(tt, first.Steps, 1)
	})

	t.Run("nil recorder records nothing", func(tt *testing.T) {
		var rec *Recorder
		rec.Step("one", "", "", []Attribute{Attr("a", 1)})
		rec.Provenance("x", "y")
		rec.Meta("k", "v")
		assert.Nil(tt, rec.Finish())
	})

	t.Run("recording failures omit the trace", func(tt *testing.T) {
		rec := Begin("op")
		rec.Step("ok", "", "", nil)
		rec.Step("bad", "", "", []Attribute{Attr("fn", func() {})})
		rec.Step("after", "", "", nil)
		assert.Nil(tt, rec.Finish())

		rec = Begin("op")
		rec.Step("", "", "", nil)
		assert.Nil(tt, rec.Finish())
	})

	t.Run("lookup helpers", func(tt *testing.T) {
		rec := Begin("op", Attr("protocol", "TOTP"))
		rec.Step("derive.time-counter", "derive", "", []Attribute{Attr("step", int64(1))}, Note{Name: "source", Value: "clock"})
		tr := rec.Finish()

		v, ok := tr.MetadataValue("protocol")
		assert.True(tt, ok)
		assert.Equal(tt, "TOTP", v)

		step, ok := tr.Step("derive.time-counter")
		assert.True(tt, ok)
		assert.Equal(tt, "source", step.Notes[0].Name)
		assert.Contains(tt, tr.Render(), "  note.source = clock")

		_, ok = tr.Step("missing")
		assert.False(tt, ok)
	})
}
