package kizeo

import (
	"encoding/json"
	"strings"
)

// RecordSummary is one entry of an unread/all data listing. Only the fields
// the pipeline needs are decoded; the full object is kept in Raw for the
// raw-JSON warehouse table.
type RecordSummary struct {
	ID         string
	AnswerTime string
	UpdateTime string
	Raw        json.RawMessage
}

// UnmarshalJSON tolerates the two id/time spellings the API exhibits
// (underscore-prefixed in listings, plain in details).
func (r *RecordSummary) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	r.ID = firstString(m, "_id", "id", "data_id")
	r.AnswerTime = firstString(m, "_answer_time", "answer_time")
	r.UpdateTime = firstString(m, "_update_time", "update_time")
	r.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// DataList is the decoded body of the unread and all-data endpoints.
type DataList struct {
	Status  string          `json:"status"`
	Records []RecordSummary `json:"data"`
}

// Field is one field of a record detail as delivered by the API: a declared
// type plus an arbitrarily-shaped value. Resolution into the pipeline's
// tagged union happens in the flatten package.
type Field struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Record is one full form submission.
type Record struct {
	ID           string
	FormID       string
	FormUniqueID string
	UserID       string
	UserName     string
	AnswerTime   string
	UpdateTime   string
	OriginAnswer string
	Fields       map[string]Field
	Raw          json.RawMessage
}

// UnmarshalJSON decodes a record detail object, probing the key spellings the
// API uses interchangeably.
func (r *Record) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	r.ID = firstString(m, "_id", "id", "data_id")
	r.FormID = firstString(m, "form_id", "_form_id")
	r.FormUniqueID = firstString(m, "form_unique_id", "_form_unique_id", "unique_id")
	r.UserID = firstString(m, "user_id", "_user_id")
	r.UserName = firstString(m, "user_name", "username", "_user_name")
	r.AnswerTime = firstString(m, "answer_time", "_answer_time")
	r.UpdateTime = firstString(m, "update_time", "_update_time")
	r.OriginAnswer = firstString(m, "origin_answer", "origin", "_origin_answer")
	r.Raw = append(json.RawMessage(nil), b...)

	if raw, ok := m["fields"]; ok {
		var fields map[string]Field
		if err := json.Unmarshal(raw, &fields); err == nil {
			r.Fields = fields
		}
	}
	return nil
}

// ListSummary is one entry of the external-lists listing.
type ListSummary struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

// List is the detail of one external list. Items are the raw
// "header|field:type|..." lines; the first item is the header line.
type List struct {
	ID    json.Number `json:"id"`
	Name  string      `json:"name"`
	Items []string    `json:"items"`
}

// firstString returns the first present, decodable string (or number rendered
// as string) among the candidate keys.
func firstString(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

// ListNameMatchesForm reports whether an external-list name targets a form,
// per the "<label> || <formId>" naming convention.
func ListNameMatchesForm(name, formID string) bool {
	idx := strings.LastIndex(name, "||")
	if idx < 0 {
		return false
	}
	return strings.TrimSpace(name[idx+2:]) == strings.TrimSpace(formID)
}
