package importer

import "strings"

// IdentityKey matches an incoming row to an existing record. Matching is
// exact: a trailing space or different DOB format yields a different key.
type IdentityKey struct {
	MemberName     string
	MemberDob      string
	RequestType    string
	QualityMeasure string
}

// String renders the pipe-joined form used by stored data and logs.
func (k IdentityKey) String() string {
	return strings.Join([]string{k.MemberName, k.MemberDob, k.RequestType, k.QualityMeasure}, "|")
}

type patientKey struct {
	MemberName string
	MemberDob  string
}

func (r TransformedRow) Key() IdentityKey {
	return IdentityKey{
		MemberName:     r.MemberName,
		MemberDob:      r.MemberDob,
		RequestType:    r.RequestType,
		QualityMeasure: r.QualityMeasure,
	}
}

func (e ExistingRecord) Key() IdentityKey {
	return IdentityKey{
		MemberName:     e.MemberName,
		MemberDob:      e.MemberDob,
		RequestType:    e.RequestType,
		QualityMeasure: e.QualityMeasure,
	}
}
