package tabular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCSV(t *testing.T) {
	payload := []byte("姓名, 工时,备注\n张三,160,\n,,\n李四,152,病假2天\n")

	table, err := DecodeCSV(payload)
	require.NoError(t, err)

	assert.Equal(t, []string{"姓名", "工时", "备注"}, table.Headers)
	require.Len(t, table.Rows, 2, "fully empty rows are dropped")
	assert.Equal(t, "张三", table.Get(0, "姓名"))
	assert.Equal(t, "病假2天", table.Get(1, "备注"))
}

func TestDecodeCSV_RaggedRows(t *testing.T) {
	payload := []byte("a,b,c\n1,2\n1,2,3,4\n")

	table, err := DecodeCSV(payload)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "", table.Get(0, "c"), "short row reads as empty cell")
	assert.Equal(t, "3", table.Get(1, "c"))
}

func TestDecodeCSV_Empty(t *testing.T) {
	_, err := DecodeCSV(nil)
	assert.Error(t, err)
}

func TestDecodeJSON_ExplicitShape(t *testing.T) {
	payload := []byte(`{"sheet":"七月","headers":["姓名","工时"],"rows":[["张三","160"]]}`)

	table, err := DecodeJSON(payload)
	require.NoError(t, err)
	assert.Equal(t, "七月", table.Sheet)
	assert.Equal(t, "160", table.Get(0, "工时"))
}

func TestDecodeJSON_ObjectRows(t *testing.T) {
	payload := []byte(`[
		{"name":"张三","hours":160,"note":null},
		{"name":"李四","hours":"152"}
	]`)

	table, err := DecodeJSON(payload)
	require.NoError(t, err)

	// keys are sorted for a stable column order
	assert.Equal(t, []string{"hours", "name", "note"}, table.Headers)
	assert.Equal(t, "160", table.Get(0, "hours"), "numbers become strings")
	assert.Equal(t, "", table.Get(0, "note"), "null becomes empty")
	assert.Equal(t, "152", table.Get(1, "hours"))
}

func TestDecodeJSON_Malformed(t *testing.T) {
	for _, payload := range []string{"", "{not json", "[]", `{"rows":[["1"]]}`} {
		_, err := DecodeJSON([]byte(payload))
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestDecode_PicksDecoderByNameAndType(t *testing.T) {
	jsonPayload := []byte(`{"headers":["a"],"rows":[["1"]]}`)

	table, err := Decode(jsonPayload, "data.json", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, table.Headers)

	table, err = Decode(jsonPayload, "data.bin", "application/json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, table.Headers)

	table, err = Decode([]byte("a,b\n1,2\n"), "data.csv", "text/csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, table.Headers)
}

func TestFindColumn(t *testing.T) {
	table := &Table{Headers: []string{"员工姓名", "工作日加班工时(h)", "Hourly Rate"}}

	assert.Equal(t, "员工姓名", table.FindColumn([]string{"姓名"}))
	assert.Equal(t, "工作日加班工时(h)", table.FindColumn([]string{"工作日加班工时"}))
	assert.Equal(t, "Hourly Rate", table.FindColumn([]string{"时薪", "hourly"}), "matching is case-insensitive")
	assert.Equal(t, "", table.FindColumn([]string{"社保"}))
}

func TestHasColumn(t *testing.T) {
	table := &Table{Headers: []string{"Employee_Name ", "metric_code"}}

	assert.True(t, table.HasColumn("employee_name"))
	assert.True(t, table.HasColumn("METRIC_CODE"))
	assert.False(t, table.HasColumn("metric"))
}
