package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leanovate/gopter"
)

//
// Generator methods useful for property based testing of saga
// instances and their status machine.
//

var allSagaStatuses = []SagaStatus{
	StatusPending, StatusRunning, StatusCompleted,
	StatusCompensating, StatusCompensated, StatusFailed,
}

var allStepStatuses = []StepStatus{
	StepPending, StepRunning, StepCompleted, StepFailed,
	StepCompensating, StepCompensated, StepSkipped,
}

// Randomly generates an id valid for use as a sagaId or step name.
func genId(genParams *gopter.GenParameters) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	length := int(genParams.NextUint64()%20) + 1
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		result[i] = chars[genParams.Rng.Intn(len(chars))]
	}

	return string(result)
}

func genSagaStatus(genParams *gopter.GenParameters) SagaStatus {
	return allSagaStatuses[genParams.Rng.Intn(len(allSagaStatuses))]
}

func genStepStatus(genParams *gopter.GenParameters) StepStatus {
	return allStepStatuses[genParams.Rng.Intn(len(allStepStatuses))]
}

// Randomly generates a structurally consistent SagaInstance: the step
// statuses agree with the instance status the way the engine would have
// recorded them.
func genInstance(genParams *gopter.GenParameters) *SagaInstance {
	numSteps := int(genParams.NextUint64()%8) + 1
	status := genSagaStatus(genParams)
	now := time.Now().UTC()

	inst := &SagaInstance{
		SagaID:     genId(genParams),
		SagaType:   genId(genParams),
		Status:     status,
		Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, genParams.NextUint64()%1000)),
		MaxRetries: int(genParams.NextUint64()%3) + 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// How far forward execution got before the instance settled into
	// its status.
	completed := 0
	switch status {
	case StatusPending:
		completed = 0
	case StatusCompleted:
		completed = numSteps
	default:
		completed = int(genParams.NextUint64() % uint64(numSteps))
	}

	for i := 0; i < numSteps; i++ {
		sr := &StepRecord{
			Name:   fmt.Sprintf("step-%d-%s", i, genId(genParams)),
			Status: StepPending,
		}

		switch {
		case i < completed:
			sr.Status = StepCompleted
			sr.Attempts = int(genParams.NextUint64()%uint64(inst.MaxRetries)) + 1
			sr.Result = json.RawMessage(fmt.Sprintf(`{"r":%d}`, genParams.NextUint64()%1000))
			startedAt, completedAt := now, now
			sr.StartedAt = &startedAt
			sr.CompletedAt = &completedAt

		case i == completed && status == StatusRunning:
			if genParams.NextBool() {
				sr.Status = StepRunning
				sr.Attempts = 1
				startedAt := now
				sr.StartedAt = &startedAt
			}

		case i == completed && (status == StatusCompensating || status == StatusCompensated || status == StatusFailed):
			sr.Status = StepFailed
			sr.Attempts = inst.MaxRetries
			sr.Error = fmt.Sprintf("error %d", genParams.NextInt64())
			startedAt := now
			sr.StartedAt = &startedAt

		case i > completed && status != StatusRunning && status != StatusPending:
			sr.Status = StepSkipped
		}

		inst.Steps = append(inst.Steps, sr)
	}

	// Compensated and failed instances have walked some or all of their
	// completed steps back.
	if status == StatusCompensated || status == StatusFailed {
		for i := completed - 1; i >= 0; i-- {
			if status == StatusCompensated || genParams.NextBool() {
				inst.Steps[i].Status = StepCompensated
			}
		}
	}

	if status.Terminal() {
		completedAt := now
		inst.CompletedAt = &completedAt
		if status != StatusCompleted {
			inst.Error = fmt.Sprintf("error %d", genParams.NextInt64())
		}
	}

	return inst
}

// Generator for a valid SagaId or step name.
func GenId() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		id := genId(genParams)
		genResult := gopter.NewGenResult(id, gopter.NoShrinker)
		return genResult
	}
}

// Generator for any SagaStatus value.
func GenSagaStatus() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		status := genSagaStatus(genParams)
		genResult := gopter.NewGenResult(status, gopter.NoShrinker)
		return genResult
	}
}

// Generator for any StepStatus value.
func GenStepStatus() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		status := genStepStatus(genParams)
		genResult := gopter.NewGenResult(status, gopter.NoShrinker)
		return genResult
	}
}

// Generator for a structurally consistent SagaInstance.
func GenSagaInstance() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		inst := genInstance(genParams)
		genResult := gopter.NewGenResult(inst, gopter.NoShrinker)
		return genResult
	}
}

type StatusPair struct {
	from SagaStatus
	to   SagaStatus
}

func (p StatusPair) String() string {
	return fmt.Sprintf("{ From: %v, To: %v }", p.from, p.to)
}

// Generator for an arbitrary pair of saga statuses. The pair may or may
// not be a valid transition.
func GenStatusPair() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		pair := StatusPair{
			from: genSagaStatus(genParams),
			to:   genSagaStatus(genParams),
		}
		genResult := gopter.NewGenResult(pair, gopter.NoShrinker)
		return genResult
	}
}
