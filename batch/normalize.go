package batch

import (
	"github.com/google/uuid"

	"github.com/remiges-tech/batchq/batch/store"
)

// JobSpec is the typed way to describe a job when building a batch.
type JobSpec struct {
	Class        string
	Compensation string
	Args         map[string]any
}

// normalizeJobs converts the accepted job input shapes into canonical
// job records with fresh ids and contiguous positions starting at
// startPos. Accepted shapes:
//
//  1. a class name string
//  2. a [job, compensation] string pair (sequential batches only)
//  3. a JobSpec, or a map with a "class" key plus optional "args" and
//     "compensation"
//  4. a previously loaded store.JobDefinition (read-back path)
func normalizeJobs(reg *Registry, typ store.BatchType, inputs []any, startPos int) ([]store.JobDefinition, error) {
	jobs := make([]store.JobDefinition, 0, len(inputs))
	for i, in := range inputs {
		pos := startPos + i
		payload, err := normalizePayload(in, pos)
		if err != nil {
			return nil, err
		}
		if !reg.Has(payload.Class) {
			return nil, &UnknownClassError{Class: payload.Class}
		}
		if payload.Compensation != "" {
			if typ != store.TypeSequential {
				return nil, &InvalidJobError{Position: pos,
					Reason: "compensation is only allowed on jobs of a sequential batch"}
			}
			if !reg.Has(payload.Compensation) {
				return nil, &UnknownClassError{Class: payload.Compensation}
			}
		}
		if payload.Args == nil {
			payload.Args = map[string]any{}
		}
		jobs = append(jobs, store.JobDefinition{
			ID:       uuid.New().String(),
			Position: pos,
			Status:   store.StatusPending,
			Payload:  payload,
		})
	}
	return jobs, nil
}

func normalizePayload(in any, pos int) (store.JobPayload, error) {
	switch v := in.(type) {
	case string:
		return store.JobPayload{Class: v}, nil

	case [2]string:
		return store.JobPayload{Class: v[0], Compensation: v[1]}, nil

	case []string:
		if len(v) != 2 {
			return store.JobPayload{}, &InvalidJobError{Position: pos,
				Reason: "a job pair must hold exactly [class, compensation]"}
		}
		return store.JobPayload{Class: v[0], Compensation: v[1]}, nil

	case JobSpec:
		if v.Class == "" {
			return store.JobPayload{}, &InvalidJobError{Position: pos, Reason: "missing class"}
		}
		return store.JobPayload{Class: v.Class, Compensation: v.Compensation, Args: v.Args}, nil

	case *JobSpec:
		if v == nil {
			return store.JobPayload{}, &InvalidJobError{Position: pos, Reason: "nil job spec"}
		}
		return normalizePayload(*v, pos)

	case map[string]any:
		class, _ := v["class"].(string)
		if class == "" {
			return store.JobPayload{}, &InvalidJobError{Position: pos, Reason: "missing class key"}
		}
		comp, _ := v["compensation"].(string)
		args, _ := v["args"].(map[string]any)
		return store.JobPayload{Class: class, Compensation: comp, Args: args}, nil

	case store.JobDefinition:
		return v.Payload, nil

	case *store.JobDefinition:
		if v == nil {
			return store.JobPayload{}, &InvalidJobError{Position: pos, Reason: "nil job definition"}
		}
		return v.Payload, nil
	}
	return store.JobPayload{}, &InvalidJobError{Position: pos, Reason: "unrecognized job shape"}
}
