package export

// DefaultCaseFieldRows returns the mapping rows every sheet carries
// regardless of discovery: case fields all cases have but that never show
// up in the properties of individual records. Callers get a fresh slice.
func DefaultCaseFieldRows() []Row {
	return []Row{
		{Source: "case_id", Target: "case_id"},
		{Source: "closed", Target: "closed"},
		{Source: "date_closed", Target: "date_closed"},
		{Source: "date_modified", Target: "date_modified"},
		{Source: "domain", Target: "domain"},
		{Source: "id", Target: "id"},
		{Source: "indexed_on", Target: "indexed_on"},
		{Source: "opened_by", Target: "opened_by"},
		{Source: "properties.case_type", Target: "case_type"},
		{Source: "properties.closed_by", Target: "closed_by"},
		{Source: "properties.closed_on", Target: "closed_on"},
		{Source: "properties.date_opened", Target: "date_opened"},
		{Source: "properties.doc_type", Target: "doc_type"},
		{Source: "properties.external_id", Target: "external_id"},
		{Source: "properties.indices.patient", Target: "indices.patient"},
		{Source: "properties.modified_on", Target: "modified_on"},
		{Source: "properties.number", Target: "number"},
		{Source: "properties.owner_id", Target: "owner_id"},
		{Source: "resource_uri", Target: "resource_uri"},
		{Source: "server_date_modified", Target: "server_date_modified"},
		{Source: "server_date_opened", Target: "server_date_opened"},
		{Source: "user_id", Target: "user_id"},
	}
}
