package dictfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/servolink/codec"
	"github.com/notnil/servolink/register"
)

const canDictionary = `<?xml version="1.0" encoding="UTF-8"?>
<IngeniaDictionary>
  <Header><Version>2</Version></Header>
  <Body>
    <Device Interface="CAN" firmwareVersion="2.4.1" ProductCode="0x1234" PartNumber="EVE-NET-C" RevisionNumber="7">
      <Categories><Category id="CONFIG"/></Categories>
      <Errors><Error id="0x00003280"/></Errors>
      <Registers>
        <Register id="DRV_ID_DEVICE_TYPE" address="0x100000" subnode="0" access="r" dtype="u32"/>
        <Register id="DRV_STORE_ALL" idx="0x1010" subidx="0x01" subnode="0" access="w" dtype="u32"/>
      </Registers>
      <Axes>
        <Axis>
          <Registers>
            <Register id="DRV_STATE_STATUS" address="0x604100" subnode="1" access="r" dtype="u16" cyclic="CYCLIC_TX"/>
            <Register id="CL_POS_FBK_VALUE" address="0x606400" subnode="1" access="rw" dtype="s32" units="cnt" phy="position">
              <Range min="-1000" max="1000"/>
              <Labels><Label lang="en_US">Position</Label></Labels>
            </Register>
            <Register id="MOT_RATED_CURRENT" address="0x607500" subnode="1" access="rw" dtype="float" storage="1.5"/>
            <Register id="DRV_AXIS_NAME" address="0x580000" subnode="1" access="rw" dtype="str"/>
          </Registers>
        </Axis>
        <Axis subnode="2">
          <Registers>
            <Register id="CL_POS_FBK_VALUE" address="0x6E6400" access="rw" dtype="s32"/>
          </Registers>
        </Axis>
      </Axes>
    </Device>
    <DriveImage encoding="xs:base64Binary">AAAA</DriveImage>
  </Body>
</IngeniaDictionary>
`

func TestParseCANDictionary(t *testing.T) {
	d, err := Parse(strings.NewReader(canDictionary))
	require.NoError(t, err)

	assert.Equal(t, uint32(0x1234), d.ProductCode)
	assert.Equal(t, uint32(7), d.RevisionNumber)
	assert.Equal(t, "2.4.1", d.FirmwareVersion)
	assert.Equal(t, "EVE-NET-C", d.PartNumber)
	assert.Equal(t, "CAN", d.Interface)
	assert.Equal(t, []uint8{0, 1, 2}, d.Subnodes())
	assert.Equal(t, 2, d.Axes())
	assert.Equal(t, 7, d.Len())

	devType, err := d.Register("DRV_ID_DEVICE_TYPE", 0)
	require.NoError(t, err)
	assert.Equal(t, register.CANAddress{Index: 0x1000, Subindex: 0}, devType.Address())
	assert.Equal(t, register.ReadOnly, devType.Access())

	store, err := d.Register("DRV_STORE_ALL", 0)
	require.NoError(t, err)
	assert.Equal(t, register.CANAddress{Index: 0x1010, Subindex: 1}, store.Address())

	status, err := d.Register("DRV_STATE_STATUS", 1)
	require.NoError(t, err)
	assert.Equal(t, register.CyclicTx, status.Cyclic())
	assert.Equal(t, codec.U16, status.DType())

	pos, err := d.Register("CL_POS_FBK_VALUE", 1)
	require.NoError(t, err)
	assert.Equal(t, "cnt", pos.Units())
	assert.Equal(t, register.PhyPosition, pos.Phy())
	rng, ok := pos.Range()
	require.True(t, ok)
	assert.Equal(t, int32(-1000), rng.Min)
	assert.Equal(t, int32(1000), rng.Max)

	axis2, err := d.Register("CL_POS_FBK_VALUE", 2)
	require.NoError(t, err)
	assert.Equal(t, register.CANAddress{Index: 0x6E64, Subindex: 0}, axis2.Address())

	current, err := d.Register("MOT_RATED_CURRENT", 1)
	require.NoError(t, err)
	v, ok := current.Storage()
	require.True(t, ok)
	assert.Equal(t, float32(1.5), v)
}

func TestParseMCBDictionary(t *testing.T) {
	const doc = `<Dictionary><Body><Device Interface="ETH">
  <Registers>
    <Register id="DRV_STATE_CONTROL" address="0x010" subnode="1" access="rw" dtype="u16"/>
    <Register id="COMMU_ANGLE" address="0x151" subnode="1" access="rw" dtype="u16" address_type="NVM"/>
  </Registers>
</Device></Body></Dictionary>`
	d, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	r, err := d.Register("DRV_STATE_CONTROL", 1)
	require.NoError(t, err)
	assert.Equal(t, register.MCBAddress(0x010), r.Address())
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"not xml":     "<Body",
		"no device":   "<Dictionary><Body/></Dictionary>",
		"bad dtype":   `<D><Body><Device><Registers><Register id="X" address="1" dtype="u128"/></Registers></Device></Body></D>`,
		"bad access":  `<D><Body><Device><Registers><Register id="X" address="1" dtype="u8" access="x"/></Registers></Device></Body></D>`,
		"no address":  `<D><Body><Device><Registers><Register id="X" dtype="u8"/></Registers></Device></Body></D>`,
		"bad range":   `<D><Body><Device><Registers><Register id="X" address="1" dtype="u8"><Range min="300"/></Register></Registers></Device></Body></D>`,
		"duplicate":   `<D><Body><Device><Registers><Register id="X" address="1" dtype="u8"/><Register id="X" address="2" dtype="u8"/></Registers></Device></Body></D>`,
		"bad product": `<D><Body><Device ProductCode="abc"/></Body></D>`,
	} {
		_, err := Parse(strings.NewReader(doc))
		assert.Error(t, err, name)
	}

	_, err := Parse(strings.NewReader("<Body"))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestSaveConfiguration(t *testing.T) {
	d, err := Parse(strings.NewReader(canDictionary))
	require.NoError(t, err)
	pos1, _ := d.Register("CL_POS_FBK_VALUE", 1)
	require.NoError(t, pos1.SetStorage(int32(-42)))
	pos2, _ := d.Register("CL_POS_FBK_VALUE", 2)
	require.NoError(t, pos2.SetStorage(int32(7)))
	name, _ := d.Register("DRV_AXIS_NAME", 1)
	require.NoError(t, name.SetStorage("left"))
	status, _ := d.Register("DRV_STATE_STATUS", 1)
	require.NoError(t, status.SetStorage(uint16(0x27)))

	var buf bytes.Buffer
	require.NoError(t, SaveConfiguration(d, &buf, 0, Identity{ProductCode: 0x9999, RevisionNumber: 12}))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.NotContains(t, out, "Categories")
	assert.NotContains(t, out, "Errors")
	assert.NotContains(t, out, "DriveImage")
	assert.NotContains(t, out, "DRV_STATE_STATUS", "read-only registers are not saved")
	assert.NotContains(t, out, "DRV_STORE_ALL")
	assert.Contains(t, out, `ProductCode="39321"`)
	assert.Contains(t, out, `RevisionNumber="12"`)
	assert.Contains(t, out, "Labels", "unknown elements survive")

	id, entries, err := ReadConfiguration(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, Identity{ProductCode: 0x9999, RevisionNumber: 12}, id)
	assert.Equal(t, uint32(0x1234), d.ProductCode, "the dictionary keeps its own identity")
	assert.Equal(t, []Entry{
		{ID: "CL_POS_FBK_VALUE", Subnode: 1, Access: register.ReadWrite, Storage: "-42"},
		{ID: "MOT_RATED_CURRENT", Subnode: 1, Access: register.ReadWrite, Storage: "1.5"},
		{ID: "DRV_AXIS_NAME", Subnode: 1, Access: register.ReadWrite, Storage: "left"},
		{ID: "CL_POS_FBK_VALUE", Subnode: 2, Access: register.ReadWrite, Storage: "7"},
	}, entries)

	// the saved file is a dictionary in its own right
	again, err := Parse(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x9999), again.ProductCode)
	r, err := again.Register("CL_POS_FBK_VALUE", 2)
	require.NoError(t, err)
	v, ok := r.Storage()
	require.True(t, ok)
	assert.Equal(t, int32(7), v)
}

func TestSaveConfigurationSubnodeFilter(t *testing.T) {
	d, err := Parse(strings.NewReader(canDictionary))
	require.NoError(t, err)
	pos1, _ := d.Register("CL_POS_FBK_VALUE", 1)
	require.NoError(t, pos1.SetStorage(int32(1)))
	pos2, _ := d.Register("CL_POS_FBK_VALUE", 2)
	require.NoError(t, pos2.SetStorage(int32(2)))

	var buf bytes.Buffer
	require.NoError(t, SaveConfiguration(d, &buf, 2, Identity{}))
	_, entries, err := ReadConfiguration(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint8(2), entries[0].Subnode)
	assert.Equal(t, "2", entries[0].Storage)
}

func TestSaveConfigurationWithoutSource(t *testing.T) {
	d := register.MCBBootstrap(1)
	ctrl, err := d.Register(register.ControlWord, 1)
	require.NoError(t, err)
	require.NoError(t, ctrl.SetStorage(uint16(6)))

	var buf bytes.Buffer
	require.NoError(t, SaveConfiguration(d, &buf, 0, Identity{ProductCode: 5}))
	id, entries, err := ReadConfiguration(&buf)
	require.NoError(t, err)
	assert.Equal(t, Identity{ProductCode: 5}, id)
	assert.Equal(t, []Entry{{ID: register.ControlWord, Subnode: 1, Access: register.ReadWrite, Storage: "6"}}, entries)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drive.xdf")
	require.NoError(t, os.WriteFile(path, []byte(canDictionary), 0o644))
	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []byte(canDictionary), d.Source)

	_, err = Load(filepath.Join(t.TempDir(), "missing.xdf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
