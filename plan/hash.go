package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// Canonicalize returns a deep copy of the plan in canonical form: target
// lists sorted, params re-encoded with sorted keys. Two semantically equal
// plans always canonicalize to the same bytes, which is what makes plan
// hashes comparable across resubmissions.
func Canonicalize(p *Plan) (*Plan, error) {
	out := &Plan{
		Steps:         make([]Step, len(p.Steps)),
		SLAClass:      p.SLAClass,
		ApprovalLevel: p.ApprovalLevel,
		Mode:          p.Mode,
	}
	for i, s := range p.Steps {
		targets := append([]string(nil), s.Targets...)
		sort.Strings(targets)

		params, err := canonicalJSON(s.Params)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d params", i)
		}

		out.Steps[i] = Step{
			Action:        s.Action,
			ActionClass:   s.ActionClass,
			Targets:       targets,
			MaxRetries:    s.MaxRetries,
			ParallelGroup: s.ParallelGroup,
			Params:        params,
		}
	}
	return out, nil
}

// canonicalJSON round-trips raw JSON through a map so object keys are
// emitted in sorted order. encoding/json sorts map keys on marshal.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "invalid params JSON")
	}
	return json.Marshal(v)
}

// Hash computes the content hash of the canonicalized plan. Struct field
// order is fixed at declaration, so the encoding is stable.
func Hash(p *Plan) (string, error) {
	canonical, err := Canonicalize(p)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", errors.Wrap(err, "marshal canonical plan")
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// HashSnapshot computes the content hash of an already-frozen snapshot.
// Used to bind approvals to the exact snapshot shown to the approver.
func HashSnapshot(snapshot []byte) string {
	sum := sha256.Sum256(snapshot)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the default tenant-scoped idempotency key when the
// caller does not supply an explicit one.
func IdempotencyKey(tenantID, actorID, planHash string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + actorID + "\x00" + planHash))
	return hex.EncodeToString(sum[:])
}
