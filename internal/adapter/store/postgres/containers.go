package postgres

import "time"

// Containers used by the platform. Names are part of the persisted layout.
const (
	ContainerAssessments        = "assessments"
	ContainerSubmissions        = "submissions"
	ContainerEvaluations        = "evaluations"
	ContainerCodeExecutions     = "code_executions"
	ContainerUsers              = "users"
	ContainerQuestions          = "questions"
	ContainerGeneratedQuestions = "generated_questions"
	ContainerKnowledgeBase      = "knowledge_base"
	ContainerRagQueries         = "rag_queries"
	ContainerQuestionChecks     = "question_checks"
)

// containerSpec declares a container's logical key fields and TTL. Partition
// keys are fixed per container; Put infers both id and partition from the
// document using these JSON field names.
type containerSpec struct {
	IDField        string
	PartitionField string
	TTL            time.Duration
}

var containerRegistry = map[string]containerSpec{
	ContainerAssessments:        {IDField: "id", PartitionField: "id"},
	ContainerSubmissions:        {IDField: "id", PartitionField: "assessment_id"},
	ContainerEvaluations:        {IDField: "id", PartitionField: "submission_id"},
	ContainerCodeExecutions:     {IDField: "run_id", PartitionField: "submission_id", TTL: 30 * 24 * time.Hour},
	ContainerUsers:              {IDField: "id", PartitionField: "id"},
	ContainerQuestions:          {IDField: "id", PartitionField: "skill"},
	ContainerGeneratedQuestions: {IDField: "id", PartitionField: "skill"},
	ContainerKnowledgeBase:      {IDField: "id", PartitionField: "skill"},
	ContainerRagQueries:         {IDField: "id", PartitionField: "assessment_id", TTL: 30 * 24 * time.Hour},
	ContainerQuestionChecks:     {IDField: "id", PartitionField: "skill", TTL: 30 * 24 * time.Hour},
}
