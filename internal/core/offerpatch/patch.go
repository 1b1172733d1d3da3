// Package offerpatch implements structural diffs between offer sets.
//
// A diff is an ordered list of patches. Each patch is either the literal
// string "clear", which empties the working set, or an object holding a
// target offer id and a list of RFC 6902 operations to apply to that
// offer's document. Whole-offer additions and removals are expressed as a
// single add/remove operation with an empty path.
package offerpatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

// clearLiteral is the wire form of a patch that empties the working set.
const clearLiteral = "clear"

// Target names the offer a patch applies to. LastUpdateTimeUTC is set when
// the patch is only valid against one version of the offer.
type Target struct {
	OfferID           string `json:"offerId"`
	PostingOrgURL     string `json:"postingOrgUrl"`
	LastUpdateTimeUTC *int64 `json:"lastUpdateTimeUTC,omitempty"`
}

// Key returns the canonical set key of the targeted offer.
func (t Target) Key() string {
	return offer.Ref{OfferID: t.OfferID, PostingOrgURL: t.PostingOrgURL}.Key()
}

// Patch is one element of a diff: either Clear or a targeted list of
// RFC 6902 operations.
type Patch struct {
	Clear  bool
	Target *Target
	Ops    json.RawMessage
}

type patchObject struct {
	Target *Target         `json:"target"`
	Patch  json.RawMessage `json:"patch"`
}

// MarshalJSON encodes Clear patches as the bare string "clear".
func (p Patch) MarshalJSON() ([]byte, error) {
	if p.Clear {
		return json.Marshal(clearLiteral)
	}
	return json.Marshal(patchObject{Target: p.Target, Patch: p.Ops})
}

// UnmarshalJSON decodes either the "clear" literal or a patch object.
func (p *Patch) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s != clearLiteral {
			return status.Newf(status.CodePatchRejected, "unknown patch literal %q", s)
		}
		*p = Patch{Clear: true}
		return nil
	}
	var obj patchObject
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	if obj.Target == nil {
		return status.New(status.CodePatchRejected, "patch has no target")
	}
	*p = Patch{Target: obj.Target, Ops: obj.Patch}
	return nil
}

// NewClear returns the patch that empties the working set.
func NewClear() Patch {
	return Patch{Clear: true}
}

type wholeOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewAdd returns a whole-offer addition patch.
func NewAdd(o *offer.Offer) (Patch, error) {
	doc, err := json.Marshal(o)
	if err != nil {
		return Patch{}, err
	}
	ops, err := json.Marshal([]wholeOp{{Op: "add", Path: "", Value: doc}})
	if err != nil {
		return Patch{}, err
	}
	ref := o.Ref()
	return Patch{
		Target: &Target{OfferID: ref.OfferID, PostingOrgURL: ref.PostingOrgURL},
		Ops:    ops,
	}, nil
}

// NewRemove returns a whole-offer removal patch pinned to the removed
// version.
func NewRemove(v offer.VersionedRef) (Patch, error) {
	ops, err := json.Marshal([]wholeOp{{Op: "remove", Path: ""}})
	if err != nil {
		return Patch{}, err
	}
	t := v.LastUpdateTimeUTC
	return Patch{
		Target: &Target{OfferID: v.OfferID, PostingOrgURL: v.PostingOrgURL, LastUpdateTimeUTC: &t},
		Ops:    ops,
	}, nil
}

// DiffOffer returns the patch transforming old into new. The second result
// is false when the two documents are identical.
func DiffOffer(old, new *offer.Offer) (Patch, bool, error) {
	oldDoc, err := json.Marshal(old)
	if err != nil {
		return Patch{}, false, err
	}
	newDoc, err := json.Marshal(new)
	if err != nil {
		return Patch{}, false, err
	}
	diff, err := jsondiff.CompareJSON(oldDoc, newDoc)
	if err != nil {
		return Patch{}, false, status.Wrap(status.CodePatchApplyFailed, "diffing offer documents", err)
	}
	if len(diff) == 0 {
		return Patch{}, false, nil
	}
	ops, err := json.Marshal(diff)
	if err != nil {
		return Patch{}, false, err
	}
	t := old.LastUpdateUTC()
	ref := old.Ref()
	return Patch{
		Target: &Target{OfferID: ref.OfferID, PostingOrgURL: ref.PostingOrgURL, LastUpdateTimeUTC: &t},
		Ops:    ops,
	}, true, nil
}

// Diff returns the ordered patch list transforming set a into set b.
// Offers are visited in lexicographic key order, so the result is
// deterministic. Applying the result to a yields b.
func Diff(a, b offer.Set) ([]Patch, error) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var patches []Patch
	for _, k := range ordered {
		oldOffer, inOld := a[k]
		newOffer, inNew := b[k]
		switch {
		case inOld && !inNew:
			p, err := NewRemove(oldOffer.VersionedRef())
			if err != nil {
				return nil, err
			}
			patches = append(patches, p)
		case !inOld && inNew:
			p, err := NewAdd(newOffer)
			if err != nil {
				return nil, err
			}
			patches = append(patches, p)
		default:
			p, changed, err := DiffOffer(oldOffer, newOffer)
			if err != nil {
				return nil, err
			}
			if changed {
				patches = append(patches, p)
			}
		}
	}
	return patches, nil
}

// Apply applies patches to base and returns the resulting set. base is not
// modified. Patch failures abort the whole application.
func Apply(base offer.Set, patches []Patch) (offer.Set, error) {
	work := base.Clone()
	for i, p := range patches {
		if p.Clear {
			work = offer.Set{}
			continue
		}
		if p.Target == nil {
			return nil, status.Newf(status.CodePatchRejected, "patch %d has no target", i)
		}
		if err := applyOne(work, p); err != nil {
			return nil, err
		}
	}
	return work, nil
}

// rfc6902Ops is the set of operation names a patch may use.
var rfc6902Ops = map[string]bool{
	"add": true, "remove": true, "replace": true,
	"move": true, "copy": true, "test": true,
}

func applyOne(work offer.Set, p Patch) error {
	var ops []wholeOp
	if err := json.Unmarshal(p.Ops, &ops); err != nil || len(ops) == 0 {
		return status.Newf(status.CodePatchRejected,
			"patch for %s is not an operation list", p.Target.Key())
	}
	for _, op := range ops {
		if !rfc6902Ops[op.Op] {
			return status.Newf(status.CodePatchRejected,
				"patch for %s uses unknown operation %q", p.Target.Key(), op.Op)
		}
	}
	key := p.Target.Key()
	current, exists := work[key]

	// Whole-offer add and remove are handled without a patch engine.
	if len(ops) == 1 && ops[0].Path == "" {
		switch ops[0].Op {
		case "add":
			added, err := offer.Parse(ops[0].Value)
			if err != nil {
				return status.Wrap(status.CodePatchRejected, "added offer does not parse", err)
			}
			if added.Key() != key {
				return status.Newf(status.CodePatchRejected,
					"added offer %s does not match patch target %s", added.Key(), key)
			}
			work.Add(added)
			return nil
		case "remove":
			if !exists {
				return status.Newf(status.CodePatchRejected,
					"remove targets %s which is not in the set", key)
			}
			if err := checkVersion(p.Target, current); err != nil {
				return err
			}
			delete(work, key)
			return nil
		}
	}

	if !exists {
		return status.Newf(status.CodePatchRejected,
			"patch targets %s which is not in the set", key)
	}
	if err := checkVersion(p.Target, current); err != nil {
		return err
	}
	decoded, err := jsonpatch.DecodePatch(p.Ops)
	if err != nil {
		return status.Wrap(status.CodePatchRejected, "malformed patch operations", err)
	}
	doc, err := json.Marshal(current)
	if err != nil {
		return err
	}
	modified, err := decoded.Apply(doc)
	if err != nil {
		return status.Wrap(status.CodePatchApplyFailed,
			fmt.Sprintf("applying patch to %s", key), err)
	}
	updated, err := offer.Parse(modified)
	if err != nil {
		return status.Wrap(status.CodePatchApplyFailed, "patched offer does not parse", err)
	}
	delete(work, key)
	work.Add(updated)
	return nil
}

func checkVersion(t *Target, current *offer.Offer) error {
	if t.LastUpdateTimeUTC == nil {
		return nil
	}
	if current.LastUpdateUTC() != *t.LastUpdateTimeUTC {
		return status.Newf(status.CodePatchRejected,
			"patch targets version %d of %s but the set holds version %d",
			*t.LastUpdateTimeUTC, t.Key(), current.LastUpdateUTC())
	}
	return nil
}

