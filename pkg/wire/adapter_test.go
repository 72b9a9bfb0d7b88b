package wire

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/model"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// staticDevice defines a fixed set of properties and records change requests.
type staticDevice struct {
	name  string
	props []*model.Property
	bus   *bus.Bus

	mu      sync.Mutex
	changes []*model.Property
}

func (d *staticDevice) Name() string { return d.name }

func (d *staticDevice) Attach(_ context.Context, b *bus.Bus) error {
	d.bus = b
	return nil
}

func (d *staticDevice) EnumerateProperties(ctx context.Context, _ bus.Client, filter *model.Property) error {
	for _, p := range d.props {
		if p.Matches(filter) {
			if err := d.bus.DefineProperty(ctx, d, p, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *staticDevice) ChangeProperty(_ context.Context, _ bus.Client, req *model.Property) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changes = append(d.changes, req)
	return nil
}

func (d *staticDevice) Detach(context.Context) error { return nil }

func startBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.Config{})
	b.Start()
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func serveString(t *testing.T, h Handler, input string) {
	t.Helper()
	require.NoError(t, Serve(context.Background(), strings.NewReader(input), h, nil))
}

func TestDeviceAdapter(t *testing.T) {
	ctx := context.Background()
	b := startBus(t)

	image := model.NewBLOBProperty("CCD", "IMAGE", "Image", "Image", model.StateIdle, model.PermRO,
		model.BLOBItem("IMAGE", "Image"))
	dev := &staticDevice{name: "CCD", props: []*model.Property{model.NewConnectionProperty("CCD"), image}}
	require.NoError(t, b.AttachDevice(ctx, dev))

	var out syncBuffer
	a := NewDeviceAdapter("client-1", &out, nil)
	require.NoError(t, b.AttachClient(ctx, a))

	t.Run("SilentUntilGetProperties", func(t *testing.T) {
		assert.Equal(t, model.VersionNone, a.Version())
		require.NoError(t, b.SendMessage(ctx, dev, "hello"))
		assert.Empty(t, out.String())
	})

	t.Run("GetPropertiesEnumerates", func(t *testing.T) {
		serveString(t, a, `<getProperties version='2.0'/>`)
		assert.Equal(t, model.Version2, a.Version())
		s := out.String()
		assert.Contains(t, s, "<defSwitchVector device='CCD' name='CONNECTION'")
		assert.Contains(t, s, "<defBLOBVector device='CCD' name='IMAGE'")
	})

	t.Run("ChangeReachesDevice", func(t *testing.T) {
		serveString(t, a, `<newSwitchVector device='CCD' name='CONNECTION'><oneSwitch name='CONNECTED'>On</oneSwitch></newSwitchVector>`)
		dev.mu.Lock()
		defer dev.mu.Unlock()
		require.Len(t, dev.changes, 1)
		assert.True(t, dev.changes[0].Item(model.ConnectedItem).Switch().On)
	})

	t.Run("BLOBsNeedEnableBLOB", func(t *testing.T) {
		upd := image.Clone()
		upd.State = model.StateOk
		upd.Items[0].BLOB().Data = []byte{1, 2, 3}

		out.Reset()
		require.NoError(t, b.UpdateProperty(ctx, dev, upd, ""))
		assert.Empty(t, out.String())

		serveString(t, a, `<enableBLOB device='CCD'>Also</enableBLOB>`)
		require.NoError(t, b.UpdateProperty(ctx, dev, upd, ""))
		assert.Contains(t, out.String(), "<oneBLOB name='IMAGE' format='' size='3'>\nAQID\n</oneBLOB>")
	})

	t.Run("ReadOnlyChangeEchoesProperty", func(t *testing.T) {
		out.Reset()
		serveString(t, a, `<newBLOBVector device='CCD' name='IMAGE'><oneBLOB name='IMAGE' format='.raw' size='1'>AA==</oneBLOB></newBLOBVector>`)
		assert.Contains(t, out.String(), "message='IMAGE is read-only'")
	})
}

func TestClientAdapter(t *testing.T) {
	ctx := context.Background()
	b := startBus(t)

	var local syncBuffer
	client := NewDeviceAdapter("local", &local, nil)
	require.NoError(t, b.AttachClient(ctx, client))
	serveString(t, client, `<getProperties version='2.0'/>`)

	var upstream syncBuffer
	remote := NewClientAdapter("remote@host:7624", &upstream, nil)
	require.NoError(t, b.AttachDevice(ctx, remote))
	assert.Equal(t, "<getProperties version='2.0'/>\n", upstream.String())

	serveString(t, remote, `
<defNumberVector device='Mount' name='COORD' group='Main' label='Coordinates' perm='rw' state='Idle'>
  <defNumber name='RA' label='RA' format='%10.6m' min='0' max='24' step='0'>1.5</defNumber>
  <defNumber name='DEC' label='Dec' format='%10.6m' min='-90' max='90' step='0'>10</defNumber>
</defNumberVector>
<setNumberVector device='Mount' name='COORD' state='Ok'>
  <oneNumber name='RA'>12:30:00</oneNumber>
</setNumberVector>`)

	assert.Equal(t, uint64(1), remote.Definitions())
	coord, ok := b.Property("Mount", "COORD")
	require.True(t, ok)
	assert.Equal(t, model.StateOk, coord.State)
	assert.Equal(t, model.PermRW, coord.Perm)
	assert.Equal(t, "Main", coord.Group)
	assert.Equal(t, 12.5, coord.Item("RA").Number().Value)
	assert.Equal(t, 24.0, coord.Item("RA").Number().Max)
	assert.Equal(t, 10.0, coord.Item("DEC").Number().Value)
	assert.Contains(t, local.String(), "<setNumberVector device='Mount' name='COORD' state='Ok'>")

	t.Run("EnumerateFromCache", func(t *testing.T) {
		local.Reset()
		serveString(t, client, `<getProperties version='2.0' device='Mount'/>`)
		assert.Contains(t, local.String(), "<defNumberVector device='Mount' name='COORD'")
		assert.Equal(t, "<getProperties version='2.0'/>\n", upstream.String(), "cache answers without a round trip")
	})

	t.Run("ChangeForwardedUpstream", func(t *testing.T) {
		serveString(t, client, `<newNumberVector device='Mount' name='COORD'><oneNumber name='DEC'>45</oneNumber></newNumberVector>`)
		assert.Contains(t, upstream.String(), "<newNumberVector device='Mount' name='COORD'>\n<oneNumber name='DEC'>45</oneNumber>")
	})

	t.Run("MessageKeepsDeviceName", func(t *testing.T) {
		serveString(t, remote, `<message device='Mount' message='slewing'/>`)
		assert.Contains(t, local.String(), "<message device='Mount' message='slewing'/>")
	})

	t.Run("UpdateForUndefinedIgnored", func(t *testing.T) {
		serveString(t, remote, `<setNumberVector device='Mount' name='OTHER' state='Ok'><oneNumber name='X'>1</oneNumber></setNumberVector>`)
		_, ok := b.Property("Mount", "OTHER")
		assert.False(t, ok)
	})

	t.Run("DeleteRemovesDevice", func(t *testing.T) {
		serveString(t, remote, `<delProperty device='Mount'/>`)
		_, ok := b.Property("Mount", "COORD")
		assert.False(t, ok)
		assert.Contains(t, local.String(), "<delProperty device='Mount' name='COORD'/>")
	})

	t.Run("DottedNamesKeptApart", func(t *testing.T) {
		serveString(t, remote, `
<defTextVector device='Guider @ pi.local' name='X' perm='ro' state='Ok'><defText name='V'>host</defText></defTextVector>
<defTextVector device='Guider @ pi' name='local.X' perm='ro' state='Ok'><defText name='V'>dotted</defText></defTextVector>
<setTextVector device='Guider @ pi.local' name='X' state='Ok'><oneText name='V'>updated</oneText></setTextVector>`)

		host, ok := b.Property("Guider @ pi.local", "X")
		require.True(t, ok)
		assert.Equal(t, "updated", host.Item("V").Text().Text)
		dotted, ok := b.Property("Guider @ pi", "local.X")
		require.True(t, ok)
		assert.Equal(t, "dotted", dotted.Item("V").Text().Text)
	})
}

func TestApplyUpdate(t *testing.T) {
	p := model.NewSwitchProperty("CCD", "MODE", "Main", "Mode", model.StateIdle, model.PermRW, model.RuleOneOfMany,
		model.SwitchItem("A", "Alpha", true),
		model.SwitchItem("B", "Beta", false))
	upd := &model.Property{Device: "CCD", Name: "MODE", Kind: model.KindSwitch, State: model.StateBusy, Items: []*model.Item{
		model.SwitchItem("A", "", false),
		model.SwitchItem("B", "", true),
		model.SwitchItem("C", "", true),
	}}

	applyUpdate(p, upd)
	assert.Equal(t, model.StateBusy, p.State)
	require.Len(t, p.Items, 2)
	assert.False(t, p.Items[0].Switch().On)
	assert.True(t, p.Items[1].Switch().On)
	assert.Equal(t, "Alpha", p.Items[0].Label)
}
