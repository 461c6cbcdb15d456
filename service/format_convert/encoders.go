package format_convert

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"datapush-service/service/models"
	"datapush-service/service/utils"

	"github.com/vmihailenco/msgpack/v5"
)

// jsonEncoder JSON 报文
type jsonEncoder struct{}

func (jsonEncoder) ContentType() string { return "application/json" }

func (jsonEncoder) Encode(doc *Document) ([]byte, error) {
	out := map[string]interface{}{
		"record_id":  doc.RecordID,
		"operation":  doc.Operation,
		"table_name": doc.TableName,
		"timestamp":  doc.Timestamp,
		"data":       doc.Data,
	}
	if doc.OldData != nil {
		out["old_data"] = doc.OldData
	}
	if doc.Metadata != nil {
		out["metadata"] = doc.Metadata
	}
	return json.Marshal(out)
}

func (jsonEncoder) Join(payloads []Payload, cfg models.FormatConfig) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	n := 0
	for _, p := range payloads {
		if len(p.Body) == 0 {
			continue
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.Write(p.Body)
		n++
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// xmlEncoder XML 报文，字段以 <field name="..."> 表示以兼容任意字段名
type xmlEncoder struct{}

func (xmlEncoder) ContentType() string { return "application/xml" }

func (xmlEncoder) Encode(doc *Document) ([]byte, error) {
	recordElement := doc.Config.RecordElement
	if recordElement == "" {
		recordElement = "record"
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	start := xml.StartElement{
		Name: xml.Name{Local: recordElement},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: doc.RecordID},
			{Name: xml.Name{Local: "operation"}, Value: doc.Operation},
			{Name: xml.Name{Local: "table"}, Value: doc.TableName},
			{Name: xml.Name{Local: "timestamp"}, Value: doc.Timestamp},
		},
	}
	if err := enc.EncodeToken(start); err != nil {
		return nil, err
	}
	if err := writeXMLFields(enc, "data", doc.Data); err != nil {
		return nil, err
	}
	if doc.OldData != nil {
		if err := writeXMLFields(enc, "old_data", doc.OldData); err != nil {
			return nil, err
		}
	}
	if doc.Metadata != nil {
		if err := writeXMLFields(enc, "metadata", doc.Metadata); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeXMLFields(enc *xml.Encoder, section string, fields map[string]interface{}) error {
	start := xml.StartElement{Name: xml.Name{Local: section}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, key := range sortedKeys(fields) {
		field := xml.StartElement{
			Name: xml.Name{Local: "field"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "name"}, Value: key}},
		}
		if fields[key] == nil {
			field.Attr = append(field.Attr, xml.Attr{Name: xml.Name{Local: "null"}, Value: "true"})
		}
		if err := enc.EncodeToken(field); err != nil {
			return err
		}
		if fields[key] != nil {
			if err := enc.EncodeToken(xml.CharData(utils.ToString(fields[key]))); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(field.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (xmlEncoder) Join(payloads []Payload, cfg models.FormatConfig) []byte {
	root := cfg.RootElement
	if root == "" {
		root = "records"
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<%s>", root)
	for _, p := range payloads {
		buf.Write(p.Body)
	}
	fmt.Fprintf(&buf, "</%s>", root)
	return buf.Bytes()
}

// csvEncoder CSV 报文：每条记录一行，表头单独保存
type csvEncoder struct{}

var csvMetaColumns = []string{"record_id", "operation", "table_name", "timestamp"}

func (csvEncoder) ContentType() string { return "text/csv" }

func (csvEncoder) Encode(doc *Document) ([]byte, error) {
	row := []string{doc.RecordID, doc.Operation, doc.TableName, doc.Timestamp}
	for _, col := range doc.Columns {
		row = append(row, utils.ToString(doc.Data[col]))
	}
	body, err := writeCSVRow(row)
	if err != nil {
		return nil, err
	}
	return encodeCSVCharset(body, doc.Config.Charset)
}

func csvHeader(columns []string, cfg models.FormatConfig) []byte {
	header := append(append([]string{}, csvMetaColumns...), columns...)
	body, err := writeCSVRow(header)
	if err != nil {
		return nil
	}
	encoded, err := encodeCSVCharset(body, cfg.Charset)
	if err != nil {
		return body
	}
	return encoded
}

func writeCSVRow(row []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(row); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeCSVCharset 编码失败时保留 UTF-8 内容并返回错误，由调用方记录告警
func encodeCSVCharset(body []byte, charset string) ([]byte, error) {
	encoded, err := utils.EncodeCharset(body, charset)
	if err != nil {
		return body, err
	}
	return encoded, nil
}

func (csvEncoder) Join(payloads []Payload, cfg models.FormatConfig) []byte {
	var buf bytes.Buffer
	if len(payloads) > 0 && cfg.CSVHeader {
		buf.Write(payloads[0].Header)
	}
	for _, p := range payloads {
		buf.Write(p.Body)
	}
	return buf.Bytes()
}

// avroEncoder Avro 风格的自描述二进制报文：msgpack 编码的 {schema, record}
type avroEncoder struct{}

type avroField struct {
	Name string `msgpack:"name"`
	Type string `msgpack:"type"`
}

type avroSchema struct {
	Type      string      `msgpack:"type"`
	Name      string      `msgpack:"name"`
	Namespace string      `msgpack:"namespace"`
	Fields    []avroField `msgpack:"fields"`
}

type avroDocument struct {
	Schema avroSchema             `msgpack:"schema"`
	Record map[string]interface{} `msgpack:"record"`
}

func (avroEncoder) ContentType() string { return "application/x-msgpack" }

func (avroEncoder) Encode(doc *Document) ([]byte, error) {
	record := map[string]interface{}{
		"record_id":  doc.RecordID,
		"operation":  doc.Operation,
		"table_name": doc.TableName,
		"timestamp":  doc.Timestamp,
		"data":       doc.Data,
	}
	if doc.Metadata != nil {
		record["metadata"] = doc.Metadata
	}

	fields := []avroField{
		{Name: "record_id", Type: "string"},
		{Name: "operation", Type: "string"},
		{Name: "table_name", Type: "string"},
		{Name: "timestamp", Type: "string"},
	}
	for _, key := range sortedKeys(doc.Data) {
		fields = append(fields, avroField{Name: "data." + key, Type: avroType(doc.Data[key])})
	}

	name := doc.TableName
	if name == "" {
		name = "change_record"
	}
	return msgpack.Marshal(&avroDocument{
		Schema: avroSchema{Type: "record", Name: name, Namespace: "datapush", Fields: fields},
		Record: record,
	})
}

func avroType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "long"
	case float32, float64:
		return "double"
	case map[string]interface{}:
		return "map"
	case []interface{}:
		return "array"
	default:
		return "string"
	}
}

// Join 多个 msgpack 文档顺序拼接即为合法的 msgpack 流
func (avroEncoder) Join(payloads []Payload, cfg models.FormatConfig) []byte {
	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(p.Body)
	}
	return buf.Bytes()
}
