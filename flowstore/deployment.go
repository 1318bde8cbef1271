package flowstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/model"
)

// recordVersion is bumped when the stored layout changes incompatibly
const recordVersion = 1

// Deployment is an accepted deployment as persisted in the store
type Deployment struct {
	Revision   string
	DeployedAt time.Time
	// Fingerprints maps each flow id to the fingerprint of its definition,
	// letting a reader see which flows changed between revisions without
	// decoding descriptors.
	Fingerprints map[string]string
	Descriptor   *model.Descriptor
}

// Summary describes a stored deployment without its descriptor
type Summary struct {
	Revision   string    `json:"revision"`
	DeployedAt time.Time `json:"deployed_at"`
	Flows      []string  `json:"flows"`
}

// NewDeployment captures desc under revision
func NewDeployment(revision string, desc *model.Descriptor) (*Deployment, error) {
	if revision == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "flowstore", "NewDeployment", "empty revision")
	}
	if desc == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "flowstore", "NewDeployment", "nil descriptor")
	}
	prints := make(map[string]string, len(desc.Flows))
	for _, f := range desc.Flows {
		prints[f.ID] = model.Fingerprint(f)
	}
	return &Deployment{
		Revision:     revision,
		DeployedAt:   time.Now().UTC(),
		Fingerprints: prints,
		Descriptor:   desc,
	}, nil
}

// Summary returns the deployment's summary
func (d *Deployment) Summary() Summary {
	flows := make([]string, 0, len(d.Fingerprints))
	for id := range d.Fingerprints {
		flows = append(flows, id)
	}
	sort.Strings(flows)
	return Summary{Revision: d.Revision, DeployedAt: d.DeployedAt, Flows: flows}
}

// ChangedFlows lists the flows of d that are new or differ from prev
func (d *Deployment) ChangedFlows(prev *Deployment) []string {
	var changed []string
	for id, fp := range d.Fingerprints {
		if prev == nil || prev.Fingerprints[id] != fp {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// record is the msgpack envelope; the descriptor travels as zstd
// compressed JSON so that it stays readable by Parse after decompression.
type record struct {
	Version      int               `msgpack:"v"`
	Revision     string            `msgpack:"rev"`
	DeployedAt   time.Time         `msgpack:"at"`
	Fingerprints map[string]string `msgpack:"fp"`
	Descriptor   []byte            `msgpack:"desc"`
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

func encode(d *Deployment) ([]byte, error) {
	raw, err := json.Marshal(d.Descriptor)
	if err != nil {
		return nil, errors.WrapFatal(err, "flowstore", "encode", "marshal descriptor")
	}
	data, err := msgpack.Marshal(&record{
		Version:      recordVersion,
		Revision:     d.Revision,
		DeployedAt:   d.DeployedAt,
		Fingerprints: d.Fingerprints,
		Descriptor:   encoder.EncodeAll(raw, nil),
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "flowstore", "encode", "marshal record")
	}
	return data, nil
}

func decode(data []byte) (*Deployment, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, errors.WrapFatal(err, "flowstore", "decode", "unmarshal record")
	}
	if rec.Version != recordVersion {
		return nil, errors.WrapFatal(fmt.Errorf("%w: record version %d", errors.ErrDataCorrupted, rec.Version),
			"flowstore", "decode", "check version")
	}
	raw, err := decoder.DecodeAll(rec.Descriptor, nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "flowstore", "decode", "decompress descriptor")
	}
	desc, err := model.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Deployment{
		Revision:     rec.Revision,
		DeployedAt:   rec.DeployedAt,
		Fingerprints: rec.Fingerprints,
		Descriptor:   desc,
	}, nil
}
