package domain

import (
	"encoding/json"
	"fmt"
)

type jobEnvelope struct {
	Type JobType `json:"type"`
}

// MarshalJob encodes a job with its "type" discriminator.
func MarshalJob(job Job) ([]byte, error) {
	switch j := job.(type) {
	case *CharacterJob:
		return json.Marshal(struct {
			Type JobType `json:"type"`
			*CharacterJob
		}{JobTypeCharacter, j})
	case *BatchJob:
		return json.Marshal(struct {
			Type JobType `json:"type"`
			*BatchJob
		}{JobTypeBatch, j})
	case *SingleJob:
		return json.Marshal(struct {
			Type JobType `json:"type"`
			*SingleJob
		}{JobTypeSingle, j})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownJobType, job)
	}
}

// UnmarshalJob decodes a document produced by MarshalJob.
func UnmarshalJob(data []byte) (Job, error) {
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode job envelope: %w", err)
	}
	var job Job
	switch env.Type {
	case JobTypeCharacter:
		job = &CharacterJob{}
	case JobTypeBatch:
		job = &BatchJob{}
	case JobTypeSingle:
		job = &SingleJob{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, env.Type)
	}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("decode %s job: %w", env.Type, err)
	}
	return job, nil
}
