package wire

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/model"
)

// recordingHandler keeps every element it receives.
type recordingHandler struct {
	mu       sync.Mutex
	gets     []*model.Property
	versions []model.Version
	defs     []*model.Property
	sets     []*model.Property
	dels     []*model.Property
	changes  []*model.Property
	messages []string
	blobs    []string
}

func (h *recordingHandler) OnGetProperties(_ context.Context, filter *model.Property, v model.Version) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gets = append(h.gets, filter)
	h.versions = append(h.versions, v)
	return nil
}

func (h *recordingHandler) OnDefine(_ context.Context, p *model.Property, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defs = append(h.defs, p)
	return nil
}

func (h *recordingHandler) OnUpdate(_ context.Context, p *model.Property, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sets = append(h.sets, p)
	return nil
}

func (h *recordingHandler) OnDelete(_ context.Context, p *model.Property, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dels = append(h.dels, p)
	return nil
}

func (h *recordingHandler) OnMessage(_ context.Context, device, msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, device+": "+msg)
	return nil
}

func (h *recordingHandler) OnChange(_ context.Context, p *model.Property) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, p)
	return nil
}

func (h *recordingHandler) OnEnableBLOB(_ context.Context, device, name string, mode BLOBMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blobs = append(h.blobs, device+"."+name+"="+mode.String())
	return nil
}

func parse(t *testing.T, input string) *recordingHandler {
	t.Helper()
	h := &recordingHandler{}
	require.NoError(t, Serve(context.Background(), strings.NewReader(input), h, nil))
	return h
}

func sampleProperties() []*model.Property {
	return []*model.Property{
		model.NewTextProperty("CCD", "FILE", "Main", "File & path", model.StateIdle, model.PermRW,
			model.TextItem("DIR", "Directory", "/tmp/<images>"),
			model.TextItem("PREFIX", "Prefix", "it's")),
		model.NewNumberProperty("CCD", "EXPOSURE", "Main", "Exposure", model.StateOk, model.PermRW,
			model.NumberItem("TIME", "Time", "%.2f", 0, 3600, 0.01, 1.5)),
		model.NewSwitchProperty("CCD", "MODE", "Main", "Mode", model.StateIdle, model.PermRW, model.RuleOneOfMany,
			model.SwitchItem("A", "A", true),
			model.SwitchItem("B", "B", false)),
		model.NewLightProperty("CCD", "STATUS", "Main", "Status", model.StateAlert,
			model.LightItem("COOLER", "Cooler", model.StateBusy)),
		model.NewBLOBProperty("CCD", "IMAGE", "Image", "Image", model.StateIdle, model.PermRO,
			model.BLOBItem("IMAGE", "Image")),
	}
}

func TestDefineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, p := range sampleProperties() {
		require.NoError(t, w.Define(p, "", model.Version2))
	}

	h := parse(t, buf.String())
	require.Len(t, h.defs, 5)
	for i, want := range sampleProperties() {
		got := h.defs[i]
		assert.Equal(t, want.Device, got.Device)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Group, got.Group)
		assert.Equal(t, want.Label, got.Label)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.Perm, got.Perm)
		assert.Equal(t, want.State, got.State)
		assert.Equal(t, want.Rule, got.Rule)
		require.Len(t, got.Items, len(want.Items), want.Name)
		for j := range want.Items {
			assert.Equal(t, want.Items[j].Name, got.Items[j].Name)
			assert.Equal(t, want.Items[j].Label, got.Items[j].Label)
			assert.Equal(t, want.Items[j].Value, got.Items[j].Value, "%s.%s", want.Name, want.Items[j].Name)
		}
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	exposure := model.NewNumberProperty("CCD", "EXPOSURE", "Main", "Exposure", model.StateBusy, model.PermRW,
		model.NumberItem("TIME", "Time", "%.2f", 0, 3600, 0.01, 1.5))
	exposure.Items[0].Number().Target = 30

	t.Run("Version2CarriesTarget", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).Update(exposure, "exposing", model.Version2, BLOBAlso))
		assert.Contains(t, buf.String(), "target='30'")
		assert.Contains(t, buf.String(), "message='exposing'")

		h := parse(t, buf.String())
		require.Len(t, h.sets, 1)
		n := h.sets[0].Items[0].Number()
		assert.Equal(t, 1.5, n.Value)
		assert.Equal(t, 30.0, n.Target)
		assert.Equal(t, model.StateBusy, h.sets[0].State)
	})

	t.Run("LegacyOmitsTarget", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).Update(exposure, "", model.VersionLegacy, BLOBAlso))
		assert.NotContains(t, buf.String(), "target=")
	})
}

func TestBLOBRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 2, 3, 54, 55, 1000} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i * 7)
		}
		p := model.NewBLOBProperty("CCD", "IMAGE", "Image", "Image", model.StateOk, model.PermRO,
			model.BLOBItem("IMAGE", "Image"))
		v := p.Items[0].BLOB()
		v.Format = ".fits"
		v.Data = data
		v.Size = int64(size)

		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).Update(p, "", model.Version2, BLOBAlso))

		h := parse(t, buf.String())
		require.Len(t, h.sets, 1, "size %d", size)
		require.Len(t, h.sets[0].Items, 1, "size %d", size)
		got := h.sets[0].Items[0].BLOB()
		assert.Equal(t, ".fits", got.Format)
		assert.Equal(t, int64(size), got.Size)
		assert.True(t, bytes.Equal(data, got.Data), "size %d", size)
	}
}

func TestEncodeBLOBLayout(t *testing.T) {
	padding := map[int]int{0: 0, 1: 2, 2: 1}
	for size := 1; size <= 9; size++ {
		text := strings.TrimSpace(EncodeBLOB(make([]byte, size)))
		assert.Equal(t, padding[size%3], strings.Count(text, "="), "size %d", size)
	}

	lines := strings.Split(strings.TrimSuffix(EncodeBLOB(make([]byte, 55)), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], BLOBLineEncoded)
	assert.Equal(t, "AA==", lines[1])

	assert.Empty(t, EncodeBLOB(nil))
}

func TestDecodeBLOBRejectsBadPadding(t *testing.T) {
	_, err := DecodeBLOB("AA=")
	assert.ErrorIs(t, err, ErrBadBase64)
	_, err = DecodeBLOB("A!==")
	assert.ErrorIs(t, err, ErrBadBase64)

	data, err := DecodeBLOB("AAEC\r\nAw==\n")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, data)
}

func TestUpdateBLOBModes(t *testing.T) {
	p := model.NewBLOBProperty("CCD", "IMAGE", "Image", "Image", model.StateOk, model.PermRO,
		model.BLOBItem("IMAGE", "Image"))
	p.Items[0].BLOB().Data = []byte("hello")
	p.Items[0].BLOB().URL = "http://host/blob/1.fits"

	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Update(p, "", model.Version2, BLOBNever))
	assert.Zero(t, buf.Len())

	require.NoError(t, w.Update(p, "", model.Version2, BLOBURL))
	assert.Contains(t, buf.String(), "url='http://host/blob/1.fits'")
	assert.NotContains(t, buf.String(), "size=")

	buf.Reset()
	p.State = model.StateBusy
	require.NoError(t, w.Update(p, "", model.Version2, BLOBAlso))
	assert.NotContains(t, buf.String(), "oneBLOB")
}

func TestClientRequestsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.GetProperties(model.Version2, "", ""))
	require.NoError(t, w.GetProperties(model.Version2, "CCD", "EXPOSURE"))
	require.NoError(t, w.EnableBLOB("CCD", "", BLOBAlso))
	req := model.NewNumberProperty("CCD", "EXPOSURE", "", "", model.StateIdle, model.PermRW,
		model.NumberItem("TIME", "", "", 0, 0, 0, 5))
	require.NoError(t, w.Change(req))
	require.NoError(t, w.Delete("CCD", "", "gone"))
	require.NoError(t, w.Message("", "hello <world>"))

	h := parse(t, buf.String())
	require.Len(t, h.gets, 2)
	assert.Nil(t, h.gets[0])
	assert.Equal(t, "CCD", h.gets[1].Device)
	assert.Equal(t, "EXPOSURE", h.gets[1].Name)
	assert.Equal(t, []model.Version{model.Version2, model.Version2}, h.versions)
	assert.Equal(t, []string{"CCD.=Also"}, h.blobs)
	require.Len(t, h.changes, 1)
	assert.Equal(t, 5.0, h.changes[0].Items[0].Number().Value)
	require.Len(t, h.dels, 1)
	assert.Equal(t, "", h.dels[0].Name)
	assert.Equal(t, []string{": hello <world>"}, h.messages)
}

func TestVersionNegotiation(t *testing.T) {
	h := parse(t, `<getProperties version='1.7'/><getProperties version='2.0'/><getProperties/>`)
	assert.Equal(t, []model.Version{model.VersionLegacy, model.Version2, model.VersionLegacy}, h.versions)
}

func TestParserDropsMalformed(t *testing.T) {
	t.Run("UnknownElementSkipped", func(t *testing.T) {
		h := parse(t, `<pingRequest uid='1'><x/></pingRequest><message device='CCD' message='ok'/>`)
		assert.Equal(t, []string{"CCD: ok"}, h.messages)
	})

	t.Run("BadStateDropsVector", func(t *testing.T) {
		h := parse(t, `<setSwitchVector device='CCD' name='MODE' state='Weird'><oneSwitch name='A'>On</oneSwitch></setSwitchVector>`)
		assert.Empty(t, h.sets)
	})

	t.Run("BadPermDropsVector", func(t *testing.T) {
		h := parse(t, `<defTextVector device='CCD' name='T' perm='xx' state='Idle'><defText name='A'>a</defText></defTextVector>`)
		assert.Empty(t, h.defs)
	})

	t.Run("BadItemDropped", func(t *testing.T) {
		h := parse(t, `<setNumberVector device='CCD' name='N' state='Ok'>`+
			`<oneNumber name='A'>abc</oneNumber><oneNumber name='B'>2</oneNumber></setNumberVector>`+
			`<setSwitchVector device='CCD' name='S' state='Ok'><oneSwitch name='A'>Maybe</oneSwitch></setSwitchVector>`)
		require.Len(t, h.sets, 2)
		require.Len(t, h.sets[0].Items, 1)
		assert.Equal(t, "B", h.sets[0].Items[0].Name)
		assert.Empty(t, h.sets[1].Items)
	})

	t.Run("BLOBSizeMismatch", func(t *testing.T) {
		h := parse(t, `<setBLOBVector device='CCD' name='IMAGE' state='Ok'>`+
			`<oneBLOB name='IMAGE' format='.raw' size='5'>AAEC</oneBLOB></setBLOBVector>`)
		require.Len(t, h.sets, 1)
		assert.Empty(t, h.sets[0].Items)
	})

	t.Run("SyntaxErrorIsFatal", func(t *testing.T) {
		h := &recordingHandler{}
		err := Serve(context.Background(), strings.NewReader(`<message message='a'/><message </>`), h, nil)
		assert.ErrorIs(t, err, ErrSyntax)
		assert.Len(t, h.messages, 1)
	})
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1.5", 1.5},
		{" -3 ", -3},
		{"1e3", 1000},
		{"10:30", 10.5},
		{"10:30:36", 10.51},
		{"-0:30", -0.5},
		{"12 15 00", 12.25},
	}
	for _, tt := range tests {
		got, err := ParseNumber(tt.in)
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}

	for _, bad := range []string{"", "abc", "1:2:3:4", "1:-2"} {
		_, err := ParseNumber(bad)
		assert.ErrorIs(t, err, model.ErrInvalidValue, bad)
	}
}

func TestBLOBModeRules(t *testing.T) {
	var m blobModes
	assert.Equal(t, BLOBNever, m.mode("CCD", "IMAGE"))

	m.set("", "", BLOBAlso)
	assert.Equal(t, BLOBAlso, m.mode("CCD", "IMAGE"))

	m.set("CCD", "IMAGE", BLOBURL)
	assert.Equal(t, BLOBURL, m.mode("CCD", "IMAGE"))
	assert.Equal(t, BLOBAlso, m.mode("CCD", "PREVIEW"))

	m.set("CCD", "", BLOBNever)
	assert.Equal(t, BLOBNever, m.mode("CCD", "IMAGE"))
	assert.Equal(t, BLOBAlso, m.mode("Guider", "IMAGE"))

	mode, err := ParseBLOBMode("Only")
	require.NoError(t, err)
	assert.Equal(t, BLOBAlso, mode)
	_, err = ParseBLOBMode("Sometimes")
	assert.Error(t, err)
}
