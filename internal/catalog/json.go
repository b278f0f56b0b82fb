package catalog

import "encoding/json"

// MarshalJSON exposes a diagnosis to API clients. Keywords stay internal.
func (d Diagnosis) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   string `json:"id"`
		Code string `json:"code"`
		Name string `json:"name"`
	}{d.id, d.code, d.name})
}

// MarshalJSON exposes a medicine to API clients. Keywords stay internal.
func (m Medicine) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          string  `json:"id"`
		Name        string  `json:"name"`
		GenericName string  `json:"genericName,omitempty"`
		Spec        string  `json:"spec,omitempty"`
		Price       float64 `json:"price"`
		Unit        string  `json:"unit,omitempty"`
		Type        string  `json:"type,omitempty"`
	}{m.id, m.name, m.genericName, m.spec, m.price, m.unit, m.typ})
}

// MarshalJSON exposes an examination to API clients. Keywords stay internal.
func (e Examination) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID       string  `json:"id"`
		Name     string  `json:"name"`
		Price    float64 `json:"price"`
		Category string  `json:"category,omitempty"`
	}{e.id, e.name, e.price, e.category})
}
