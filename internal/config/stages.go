package config

// Stage names of the built-in pipeline.
const (
	StageTechnical    = "technical"
	StageIssueTracker = "issue-tracker"
	StagePortal       = "portal"
	StageManualDocs   = "manual-docs"
)

// Collector registry keys of the built-in collectors.
const (
	CollectorCodebase = "codebase"
	CollectorTickets  = "tickets"
	CollectorPortal   = "portal"
	CollectorManual   = "manual"
)

// DefaultStages returns the four independent leaf stages, all required by the gate.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{
			Name:             StageTechnical,
			Collector:        CollectorCodebase,
			RequiredSections: []string{"Overview", "Modules", "Dependencies"},
			OptionalSections: []string{"Recent Commits"},
		},
		{
			Name:             StageIssueTracker,
			Collector:        CollectorTickets,
			RequiredSections: []string{"Work Items", "Summary by Type"},
			OptionalSections: []string{"Descriptions"},
		},
		{
			Name:             StagePortal,
			Collector:        CollectorPortal,
			RequiredSections: []string{"Page Inventory", "Headings Hierarchy"},
			OptionalSections: []string{"Navigation Links"},
		},
		{
			Name:             StageManualDocs,
			Collector:        CollectorManual,
			RequiredSections: []string{"Documents", "Contents"},
		},
	}
}
