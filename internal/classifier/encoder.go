package classifier

import (
	"fmt"
	"sort"
)

// LabelEncoder maps identity names to contiguous class indices. The vocabulary
// is sorted and fixed at training time.
type LabelEncoder struct {
	PairID  string   `json:"pair_id"`
	Classes []string `json:"classes"`
}

// FitLabelEncoder builds the vocabulary from the distinct labels.
func FitLabelEncoder(labels []string) *LabelEncoder {
	seen := make(map[string]struct{}, len(labels))
	classes := make([]string, 0)
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		classes = append(classes, l)
	}
	sort.Strings(classes)
	return &LabelEncoder{Classes: classes}
}

// Len is the vocabulary size.
func (e *LabelEncoder) Len() int {
	return len(e.Classes)
}

// Encode returns the class index of label.
func (e *LabelEncoder) Encode(label string) (int, error) {
	i := sort.SearchStrings(e.Classes, label)
	if i < len(e.Classes) && e.Classes[i] == label {
		return i, nil
	}
	return 0, fmt.Errorf("%w: label %q", ErrUnknownClass, label)
}

// EncodeAll encodes every label, failing on the first unknown one.
func (e *LabelEncoder) EncodeAll(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		idx, err := e.Encode(l)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

// Decode returns the label for a class index.
func (e *LabelEncoder) Decode(index int) (string, error) {
	if index < 0 || index >= len(e.Classes) {
		return "", fmt.Errorf("%w: index %d of %d", ErrUnknownClass, index, len(e.Classes))
	}
	return e.Classes[index], nil
}
