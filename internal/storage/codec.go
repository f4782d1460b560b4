package storage

import (
	"encoding/json"
	"errors"

	"glvem/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(run model.RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeTrace(trace []model.IterationRecord) ([]byte, error) {
	return json.Marshal(trace)
}

func DecodeTrace(data []byte) ([]model.IterationRecord, error) {
	var trace []model.IterationRecord
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, err
	}
	return trace, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion > CurrentSchemaVersion || v.CodecVersion > CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
