package format_convert

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"testing"
	"time"

	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

var ts = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleChanges() []models.ChangeRecord {
	return []models.ChangeRecord{
		models.NewChangeRecord("r1", meta.OperationInsert, "users", nil, map[string]interface{}{"id": 1, "name": "张三", "email": "a@x.com"}, ts, map[string]interface{}{"source": "db"}),
		models.NewChangeRecord("r2", meta.OperationUpdate, "users", map[string]interface{}{"name": "李四"}, map[string]interface{}{"id": 2, "name": "李四四"}, ts, nil),
		models.NewChangeRecord("r3", meta.OperationDelete, "users", map[string]interface{}{"id": 3, "name": "王五"}, nil, ts, nil),
		{RecordID: "r4", Operation: meta.OperationInsert, TableName: "orders"},
	}
}

func targetWithFormat(cfg map[string]interface{}) *models.PushTarget {
	return &models.PushTarget{ID: "t1", TargetType: meta.TargetTypeAPI, FormatConfig: models.JSONB(cfg)}
}

func TestConvertOnePayloadPerRecord(t *testing.T) {
	formats := []string{meta.FormatJSON, meta.FormatXML, meta.FormatCSV, meta.FormatAvro, "unknown", ""}
	for _, format := range formats {
		t.Run("格式_"+format, func(t *testing.T) {
			changes := sampleChanges()
			payloads := Convert(changes, targetWithFormat(map[string]interface{}{"format": format}))
			require.Len(t, payloads, len(changes))
			for i, p := range payloads {
				assert.Equal(t, changes[i].RecordID, p.RecordID)
				assert.NotEmpty(t, p.Body)
				assert.Empty(t, p.Warning)
			}
		})
	}
}

func TestConvertNilTargetDefaultsToJSON(t *testing.T) {
	payloads := Convert(sampleChanges(), nil)
	require.Len(t, payloads, 4)
	assert.Equal(t, meta.FormatJSON, payloads[0].Format)
}

func TestConvertJSON(t *testing.T) {
	payloads := Convert(sampleChanges(), targetWithFormat(map[string]interface{}{"include_metadata": true}))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payloads[0].Body, &doc))
	assert.Equal(t, "r1", doc["record_id"])
	assert.Equal(t, "INSERT", doc["operation"])
	assert.Equal(t, "2024-03-01T08:00:00Z", doc["timestamp"])
	assert.Equal(t, "张三", doc["data"].(map[string]interface{})["name"])
	assert.Equal(t, "db", doc["metadata"].(map[string]interface{})["source"])

	var update map[string]interface{}
	require.NoError(t, json.Unmarshal(payloads[1].Body, &update))
	assert.Equal(t, "李四", update["old_data"].(map[string]interface{})["name"])

	var del map[string]interface{}
	require.NoError(t, json.Unmarshal(payloads[2].Body, &del))
	assert.Equal(t, "王五", del["data"].(map[string]interface{})["name"], "删除操作使用旧数据")

	var empty map[string]interface{}
	require.NoError(t, json.Unmarshal(payloads[3].Body, &empty))
	assert.Equal(t, map[string]interface{}{}, empty["data"])
}

func TestFieldMappings(t *testing.T) {
	target := targetWithFormat(map[string]interface{}{
		"field_mappings": map[string]interface{}{"name": "full_name", "id": "user_id"},
	})
	payloads := Convert(sampleChanges(), target)

	assert.Equal(t, map[string]interface{}{"full_name": "张三", "user_id": 1}, payloads[0].Fields)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payloads[0].Body, &doc))
	data := doc["data"].(map[string]interface{})
	assert.NotContains(t, data, "email", "未映射字段应被丢弃")
	assert.NotContains(t, data, "name")
	assert.Equal(t, "张三", data["full_name"])
}

func TestConvertXML(t *testing.T) {
	target := targetWithFormat(map[string]interface{}{"format": "xml", "root_element": "changes", "record_element": "change"})
	payloads := Convert(sampleChanges(), target)

	type field struct {
		Name  string `xml:"name,attr"`
		Value string `xml:",chardata"`
	}
	var rec struct {
		XMLName xml.Name
		ID      string  `xml:"id,attr"`
		Fields  []field `xml:"data>field"`
	}
	require.NoError(t, xml.Unmarshal(payloads[0].Body, &rec))
	assert.Equal(t, "change", rec.XMLName.Local)
	assert.Equal(t, "r1", rec.ID)
	require.Len(t, rec.Fields, 3)
	assert.Equal(t, "email", rec.Fields[0].Name, "字段按名称排序")

	joined := Join(payloads, target)
	assert.True(t, strings.HasPrefix(string(joined), xml.Header+"<changes>"))
	assert.True(t, strings.HasSuffix(string(joined), "</changes>"))
}

func TestConvertCSV(t *testing.T) {
	target := targetWithFormat(map[string]interface{}{"format": "csv"})
	payloads := Convert(sampleChanges(), target)

	joined := Join(payloads, target)
	rows, err := csv.NewReader(strings.NewReader(string(joined))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"record_id", "operation", "table_name", "timestamp", "email", "id", "name"}, rows[0])
	assert.Equal(t, []string{"r1", "INSERT", "users", "2024-03-01T08:00:00Z", "a@x.com", "1", "张三"}, rows[1])
	assert.Equal(t, []string{"r4", "INSERT", "orders", "2024-03-01T08:00:00Z", "", "", ""}[0:3], rows[4][0:3])
}

func TestConvertCSVCharset(t *testing.T) {
	target := targetWithFormat(map[string]interface{}{"format": "csv", "charset": "gbk", "csv_header": false})
	payloads := Convert(sampleChanges()[:1], target)

	decoded, err := utils.DecodeCharset(payloads[0].Body, "gbk")
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "张三")
	assert.Nil(t, payloads[0].Header)

	bad := Convert(sampleChanges()[:1], targetWithFormat(map[string]interface{}{"format": "csv", "charset": "ebcdic"}))
	require.Len(t, bad, 1)
	assert.NotEmpty(t, bad[0].Warning)
	assert.Contains(t, string(bad[0].Body), "张三", "编码失败时保留UTF-8内容")
}

func TestConvertAvro(t *testing.T) {
	payloads := Convert(sampleChanges(), targetWithFormat(map[string]interface{}{"format": "avro"}))

	var doc struct {
		Schema struct {
			Name   string `msgpack:"name"`
			Fields []struct {
				Name string `msgpack:"name"`
				Type string `msgpack:"type"`
			} `msgpack:"fields"`
		} `msgpack:"schema"`
		Record map[string]interface{} `msgpack:"record"`
	}
	require.NoError(t, msgpack.Unmarshal(payloads[0].Body, &doc))
	assert.Equal(t, "users", doc.Schema.Name)
	assert.Equal(t, "r1", doc.Record["record_id"])

	types := map[string]string{}
	for _, f := range doc.Schema.Fields {
		types[f.Name] = f.Type
	}
	assert.Equal(t, "long", types["data.id"])
	assert.Equal(t, "string", types["data.name"])
}

type odd struct{ A int }

func TestConvertNeverPanicsOnUnusualValues(t *testing.T) {
	change := models.ChangeRecord{
		RecordID:  "x",
		Operation: meta.OperationInsert,
		NewData: map[string]interface{}{
			"t":     ts,
			"b":     []byte("bytes"),
			"s":     odd{A: 1},
			"nil":   nil,
			"list":  []interface{}{1, "a", ts},
			"inner": map[string]interface{}{"k": ts},
		},
	}
	for _, format := range []string{"json", "xml", "csv", "avro"} {
		payloads := Convert([]models.ChangeRecord{change}, targetWithFormat(map[string]interface{}{"format": format}))
		require.Len(t, payloads, 1, format)
		assert.Empty(t, payloads[0].Warning, format)
		assert.NotEmpty(t, payloads[0].Body, format)
	}
}

func TestJoinJSON(t *testing.T) {
	target := targetWithFormat(nil)
	payloads := Convert(sampleChanges(), target)

	var docs []map[string]interface{}
	require.NoError(t, json.Unmarshal(Join(payloads, target), &docs))
	assert.Len(t, docs, 4)
	assert.Equal(t, "application/json", NewConverter().ContentType(target))
}

func TestComputeChecksum(t *testing.T) {
	changes := sampleChanges()
	reversed := []models.ChangeRecord{changes[3], changes[2], changes[1], changes[0]}

	a := ComputeChecksum(changes, ChecksumSHA256, false)
	assert.Len(t, a, 64)
	assert.Equal(t, a, ComputeChecksum(reversed, "", false), "顺序无关")
	assert.NotEqual(t, a, ComputeChecksum(changes, ChecksumSHA256, true), "包含元数据时结果不同")

	x := ComputeChecksum(changes, ChecksumXXHash64, false)
	assert.Len(t, x, 16)

	modified := append([]models.ChangeRecord{}, changes...)
	modified[0] = models.NewChangeRecord("r1", meta.OperationInsert, "users", nil, map[string]interface{}{"id": 1, "name": "张三丰"}, ts, nil)
	assert.NotEqual(t, a, ComputeChecksum(modified, ChecksumSHA256, false))
}

func BenchmarkConvertJSON(b *testing.B) {
	changes := make([]models.ChangeRecord, 100)
	for i := range changes {
		changes[i] = models.NewChangeRecord(fmt.Sprintf("r%d", i), meta.OperationInsert, "t", nil, map[string]interface{}{"i": i}, ts, nil)
	}
	target := targetWithFormat(nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Convert(changes, target)
	}
}
