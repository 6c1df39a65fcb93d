package mintclient

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/groeimetai/certminter/internal/domain"
)

// Metadata is the off-chain certificate document referenced by the content hash.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Attributes  []Attribute `json:"attributes"`
}

// Attribute is a single metadata trait.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// BuildMetadata renders mint data as a metadata document. Text is NFC
// normalized so visually identical names always hash the same.
func BuildMetadata(data domain.MintData) Metadata {
	student := nfc(data.StudentName)
	course := nfc(data.CourseName)

	attrs := []Attribute{
		{TraitType: "Student", Value: student},
		{TraitType: "Student Address", Value: strings.ToLower(data.StudentAddress)},
		{TraitType: "Course ID", Value: nfc(data.CourseID)},
		{TraitType: "Course", Value: course},
		{TraitType: "Instructor", Value: nfc(data.InstructorName)},
		{TraitType: "Completion Date", Value: data.CompletionDate.UTC().Format(time.DateOnly)},
		{TraitType: "Certificate Number", Value: nfc(data.CertificateNumber)},
	}
	if data.Grade != "" {
		attrs = append(attrs, Attribute{TraitType: "Grade", Value: nfc(data.Grade)})
	}
	if data.Score != nil {
		attrs = append(attrs, Attribute{TraitType: "Score", Value: strconv.FormatFloat(*data.Score, 'f', -1, 64)})
	}
	for _, a := range data.Achievements {
		attrs = append(attrs, Attribute{TraitType: "Achievement", Value: nfc(a)})
	}

	return Metadata{
		Name:        fmt.Sprintf("%s - %s", course, student),
		Description: fmt.Sprintf("Certificate of completion for %s awarded to %s", course, student),
		Attributes:  attrs,
	}
}

// Encode returns the canonical JSON encoding of the metadata.
func (m Metadata) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func nfc(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
