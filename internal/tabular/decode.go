package tabular

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/metalyst-dev/metalyst/internal/meta"
)

// Row is one loosely-typed record decoded from an upload. Values are
// strings for text formats and whatever encoding/json produced for JSON;
// coercion to the strict schema is the validator's job.
type Row map[string]interface{}

// Formats accepted by Decode.
const (
	FormatCSV  = "csv"
	FormatTSV  = "tsv"
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Decode parses raw upload bytes in the declared format into rows. Any
// parse failure is a meta.FormatError, distinct from later schema errors.
func Decode(raw []byte, format string) ([]Row, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatCSV:
		return decodeDelimited(raw, ',', FormatCSV)
	case FormatTSV:
		return decodeDelimited(raw, '\t', FormatTSV)
	case FormatJSON:
		return decodeJSON(raw)
	case FormatXML:
		return decodeXML(raw)
	default:
		return nil, meta.FormatError{Format: format, Message: "unsupported format"}
	}
}

func decodeDelimited(raw []byte, comma rune, format string) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = comma
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, meta.FormatError{Format: format, Message: "empty file"}
	}
	if err != nil {
		return nil, meta.FormatError{Format: format, Message: err.Error()}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, meta.FormatError{Format: format, Message: fmt.Sprintf("line %d: %v", line, err)}
		}
		row := make(Row, len(header))
		for i, col := range header {
			if col == "" || i >= len(rec) {
				continue
			}
			row[col] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, meta.FormatError{Format: format, Message: "no data rows"}
	}
	return rows, nil
}

func decodeJSON(raw []byte) ([]Row, error) {
	var rows []Row
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, meta.FormatError{Format: FormatJSON, Message: err.Error()}
	}
	if len(rows) == 0 {
		return nil, meta.FormatError{Format: FormatJSON, Message: "no data rows"}
	}
	return rows, nil
}

type xmlDocument struct {
	Studies []xmlStudy `xml:"study"`
}

type xmlStudy struct {
	Attrs  []xml.Attr `xml:",any,attr"`
	Fields []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func decodeXML(raw []byte) ([]Row, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, meta.FormatError{Format: FormatXML, Message: err.Error()}
	}
	if len(doc.Studies) == 0 {
		return nil, meta.FormatError{Format: FormatXML, Message: "no <study> elements"}
	}
	rows := make([]Row, 0, len(doc.Studies))
	for _, st := range doc.Studies {
		row := make(Row, len(st.Attrs)+len(st.Fields))
		for _, a := range st.Attrs {
			row[a.Name.Local] = strings.TrimSpace(a.Value)
		}
		for _, f := range st.Fields {
			row[f.XMLName.Local] = strings.TrimSpace(f.Value)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
