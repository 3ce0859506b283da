package streamjson

import (
	"encoding/json"
	"reflect"
	"testing"
)

// collect returns a detector that appends emissions to the returned slices.
func collect() (*FieldDetector, *[]string, *map[string]any) {
	var order []string
	values := map[string]any{}
	d := NewFieldDetector(func(name string, value any) {
		order = append(order, name)
		values[name] = value
	})
	return d, &order, &values
}

func TestFieldDetector_EmitsFieldsInOrder(t *testing.T) {
	d, order, values := collect()
	d.Write(`{"producer": "Penfolds", "vintage": "2016", "confidence": 92}`)

	want := []string{"producer", "vintage", "confidence"}
	if !reflect.DeepEqual(*order, want) {
		t.Fatalf("order = %v, want %v", *order, want)
	}
	if (*values)["producer"] != "Penfolds" {
		t.Errorf("producer = %v", (*values)["producer"])
	}
	if (*values)["confidence"] != float64(92) {
		t.Errorf("confidence = %v", (*values)["confidence"])
	}
}

func TestFieldDetector_SplitAcrossWrites(t *testing.T) {
	d, order, values := collect()
	for _, chunk := range []string{
		`{"prod`, `ucer": "Châ`, `teau Margaux", "grape`, `s": ["Cabernet`,
		` Sauvignon", "Merlot"]`, `, "confidence": 9`, `8}`,
	} {
		d.Write(chunk)
	}

	want := []string{"producer", "grapes", "confidence"}
	if !reflect.DeepEqual(*order, want) {
		t.Fatalf("order = %v, want %v", *order, want)
	}
	grapes, ok := (*values)["grapes"].([]any)
	if !ok || len(grapes) != 2 {
		t.Fatalf("grapes = %v", (*values)["grapes"])
	}
	if (*values)["producer"] != "Château Margaux" {
		t.Errorf("producer = %v", (*values)["producer"])
	}
}

func TestFieldDetector_StringEscapes(t *testing.T) {
	d, _, values := collect()
	d.Write(`{"wineName": "The \"Grange\" Shiraz"}`)
	if got := (*values)["wineName"]; got != `The "Grange" Shiraz` {
		t.Errorf("wineName = %q", got)
	}
}

func TestFieldDetector_NestedContainers(t *testing.T) {
	d, order, values := collect()
	d.Write(`{"candidates": [{"wineName": "Grange", "score": 95}, {"wineName": "Bin 389", "score": 80}], "confidence": 38}`)

	want := []string{"candidates", "confidence"}
	if !reflect.DeepEqual(*order, want) {
		t.Fatalf("order = %v, want %v", *order, want)
	}
	cands := (*values)["candidates"].([]any)
	if len(cands) != 2 {
		t.Fatalf("candidates = %v", cands)
	}
}

func TestFieldDetector_NullAndBoolValues(t *testing.T) {
	d, order, values := collect()
	d.Write(`{"vintage": null, "sparkling": true, "confidence": 10}`)

	want := []string{"vintage", "sparkling", "confidence"}
	if !reflect.DeepEqual(*order, want) {
		t.Fatalf("order = %v, want %v", *order, want)
	}
	if (*values)["vintage"] != nil {
		t.Errorf("vintage = %v, want nil", (*values)["vintage"])
	}
	if (*values)["sparkling"] != true {
		t.Errorf("sparkling = %v", (*values)["sparkling"])
	}
}

func TestFieldDetector_MalformedStopsEmission(t *testing.T) {
	d, order, _ := collect()
	d.Write(`{"producer": "Penfolds", 42: broken`)
	d.Write(`, "confidence": 90}`)

	// The first field was delivered; the malformed key kills the rest
	// without panicking.
	want := []string{"producer"}
	if !reflect.DeepEqual(*order, want) {
		t.Fatalf("order = %v, want %v", *order, want)
	}
}

func TestFieldDetector_LeadingFenceTolerated(t *testing.T) {
	d, order, _ := collect()
	d.Write("```json\n{\"producer\": \"Cloudy Bay\"}\n```")
	if len(*order) != 1 || (*order)[0] != "producer" {
		t.Fatalf("order = %v", *order)
	}
}

func TestFieldDetector_MatchesTryParseComplete(t *testing.T) {
	const doc = `{"producer": "Cloudy Bay", "wineName": "Te Koko", "grapes": ["Sauvignon Blanc"], "confidence": 82}`

	d, order, values := collect()
	d.Write(doc)

	parsed, ok := d.TryParseComplete()
	if !ok {
		t.Fatal("TryParseComplete failed on valid document")
	}
	if len(parsed) != len(*order) {
		t.Fatalf("detector emitted %d fields, document has %d", len(*order), len(parsed))
	}
	for name, want := range parsed {
		if !reflect.DeepEqual((*values)[name], want) {
			t.Errorf("field %s: detector %v, parsed %v", name, (*values)[name], want)
		}
	}
}

func TestFieldDetector_ByteAtATimeEquivalence(t *testing.T) {
	const doc = `{"producer": "Château d'Yquem", "styleProfile": {"body": "Full", "sweetness": "Sweet"}, "criticScores": [{"critic": "WA", "score": 100}], "confidence": 97}`

	whole, wholeOrder, wholeValues := collect()
	whole.Write(doc)

	bytewise, byteOrder, byteValues := collect()
	for i := 0; i < len(doc); i++ {
		bytewise.Write(doc[i : i+1])
	}

	if !reflect.DeepEqual(*wholeOrder, *byteOrder) {
		t.Fatalf("order differs: whole %v, bytewise %v", *wholeOrder, *byteOrder)
	}
	if !reflect.DeepEqual(*wholeValues, *byteValues) {
		t.Fatalf("values differ: whole %v, bytewise %v", *wholeValues, *byteValues)
	}
}

func TestExtractJSONDocument(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"Here you go:\n```json\n{\"a\": 1}\n```\nCheers.", `{"a": 1}`},
		{`[1,2,3] trailing`, `[1,2,3]`},
		{`{"s":"brace } inside"}`, `{"s":"brace } inside"}`},
		{`no json here`, ``},
		{`{"unclosed": 1`, ``},
	}
	for _, c := range cases {
		if got := ExtractJSONDocument(c.in); got != c.want {
			t.Errorf("ExtractJSONDocument(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFieldDetector_TryParseCompleteInvalid(t *testing.T) {
	d := NewFieldDetector(nil)
	d.Write(`{"producer": "Pen`)
	if _, ok := d.TryParseComplete(); ok {
		t.Fatal("TryParseComplete succeeded on truncated document")
	}
}

func TestFieldDetector_NumberAtDocumentEnd(t *testing.T) {
	d, order, values := collect()
	d.Write(`{"confidence": 85}`)
	if len(*order) != 1 {
		t.Fatalf("order = %v", *order)
	}
	var want any
	_ = json.Unmarshal([]byte("85"), &want)
	if !reflect.DeepEqual((*values)["confidence"], want) {
		t.Errorf("confidence = %v", (*values)["confidence"])
	}
}
