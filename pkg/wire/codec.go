package wire

import (
	"fmt"

	"replicore/pkg/compression"
	"replicore/pkg/encoding/custom"
	"replicore/pkg/event"
	"replicore/pkg/types"
	"replicore/pkg/vtime"
)

// compressionThreshold is the payload size above which an encoded batch is
// compressed before being handed to the transport; small control messages
// (info requests, single-event acks) are left uncompressed since a codec's
// window/frame overhead isn't worth it below this size.
const compressionThreshold = 4096

// zstdThreshold is the payload size above which zstd replaces LZ77: zstd's
// higher compression ratio pays for its extra CPU cost once a batch is
// large enough that transport bandwidth, not CPU, is the bottleneck.
const zstdThreshold = 65536

type codecID uint8

const (
	codecNone codecID = iota
	codecLZ77
	codecZstd
)

// Each Encode*/Decode* pair below writes (or reads back) one message type's
// fields in a fixed order using custom.Writer/custom.Reader. There is no
// field-number tagging: the schema for every message here is fixed at
// compile time, so encoder and decoder only need to agree on order.

// EncodeInfoRequest serializes a GetReplicationEndpointInfo request.
func EncodeInfoRequest(r GetReplicationEndpointInfo) ([]byte, error) {
	w := custom.NewWriter()
	w.WriteString(string(r.RequesterID))
	return w.Bytes(), nil
}

// DecodeInfoRequest is the inverse of EncodeInfoRequest.
func DecodeInfoRequest(data []byte) (GetReplicationEndpointInfo, error) {
	r := custom.NewReader(data)
	requesterID, err := r.ReadString()
	if err != nil {
		return GetReplicationEndpointInfo{}, fmt.Errorf("decode info request: %w", err)
	}
	return GetReplicationEndpointInfo{RequesterID: types.EndpointID(requesterID)}, nil
}

// EncodeEndpointInfo serializes a ReplicationEndpointInfo reply.
func EncodeEndpointInfo(info ReplicationEndpointInfo) ([]byte, error) {
	w := custom.NewWriter()
	writeEndpointInfo(w, info)
	return w.Bytes(), nil
}

// DecodeEndpointInfo is the inverse of EncodeEndpointInfo.
func DecodeEndpointInfo(data []byte) (ReplicationEndpointInfo, error) {
	r := custom.NewReader(data)
	info, err := readEndpointInfo(r)
	if err != nil {
		return ReplicationEndpointInfo{}, fmt.Errorf("decode endpoint info: %w", err)
	}
	return info, nil
}

func writeEndpointInfo(w *custom.Writer, info ReplicationEndpointInfo) {
	w.WriteString(string(info.EndpointID))
	w.WriteCount(len(info.LogSequenceNrs))
	for name, seq := range info.LogSequenceNrs {
		w.WriteString(string(name))
		w.WriteUint64(uint64(seq))
	}
}

func readEndpointInfo(r *custom.Reader) (ReplicationEndpointInfo, error) {
	endpointID, err := r.ReadString()
	if err != nil {
		return ReplicationEndpointInfo{}, err
	}
	n, err := r.ReadCount()
	if err != nil {
		return ReplicationEndpointInfo{}, err
	}
	logs := make(map[types.LogName]types.SequenceNr, n)
	for i := 0; i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return ReplicationEndpointInfo{}, err
		}
		seq, err := r.ReadUint64()
		if err != nil {
			return ReplicationEndpointInfo{}, err
		}
		logs[types.LogName(name)] = types.SequenceNr(seq)
	}
	return ReplicationEndpointInfo{EndpointID: types.EndpointID(endpointID), LogSequenceNrs: logs}, nil
}

// EncodeSynchronizeProgressRequest serializes a SynchronizeProgressRequest.
func EncodeSynchronizeProgressRequest(r SynchronizeProgressRequest) ([]byte, error) {
	w := custom.NewWriter()
	w.WriteString(string(r.RequesterID))
	writeEndpointInfo(w, r.LocalInfo)
	return w.Bytes(), nil
}

// DecodeSynchronizeProgressRequest is the inverse of
// EncodeSynchronizeProgressRequest.
func DecodeSynchronizeProgressRequest(data []byte) (SynchronizeProgressRequest, error) {
	r := custom.NewReader(data)
	requesterID, err := r.ReadString()
	if err != nil {
		return SynchronizeProgressRequest{}, fmt.Errorf("decode synchronize progress request: %w", err)
	}
	info, err := readEndpointInfo(r)
	if err != nil {
		return SynchronizeProgressRequest{}, fmt.Errorf("decode synchronize progress request: %w", err)
	}
	return SynchronizeProgressRequest{RequesterID: types.EndpointID(requesterID), LocalInfo: info}, nil
}

// EncodeReadEnvelope serializes a ReplicationReadEnvelope to bytes.
func EncodeReadEnvelope(env ReplicationReadEnvelope) ([]byte, error) {
	w := custom.NewWriter()
	w.WriteString(string(env.Read.TargetLogID))
	w.WriteUint64(uint64(env.Read.FromSeq))
	w.WriteInt32(int32(env.Read.MaxEvents))
	w.WriteInt32(int32(env.Read.ScanLimit))
	w.WriteString(env.Read.ReplierAddr.String())
	writeVectorTime(w, env.Read.TargetVT)
	w.WriteString(string(env.SourceLogName))
	w.WriteString(string(env.AppName))
	w.WriteString(env.AppVersion.String())
	w.WriteString(env.CorrelationID)
	w.WriteString(env.AuthToken)
	return w.Bytes(), nil
}

// DecodeReadEnvelope is the inverse of EncodeReadEnvelope.
func DecodeReadEnvelope(data []byte) (ReplicationReadEnvelope, error) {
	r := custom.NewReader(data)

	targetLogID, err := r.ReadString()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	fromSeq, err := r.ReadUint64()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	maxEvents, err := r.ReadInt32()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	scanLimit, err := r.ReadInt32()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	replierAddrStr, err := r.ReadString()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	replierAddr, err := types.ParsePeerAddress(replierAddrStr)
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode replier address: %w", err)
	}
	targetVT, err := readVectorTime(r)
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	sourceLogName, err := r.ReadString()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	appName, err := r.ReadString()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	appVersionStr, err := r.ReadString()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	appVersion, err := types.ParseApplicationVersion(appVersionStr)
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode app version: %w", err)
	}
	correlationID, err := r.ReadString()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}
	authToken, err := r.ReadString()
	if err != nil {
		return ReplicationReadEnvelope{}, fmt.Errorf("decode read envelope: %w", err)
	}

	return ReplicationReadEnvelope{
		Read: ReplicationRead{
			TargetLogID: types.LogID(targetLogID),
			FromSeq:     types.SequenceNr(fromSeq),
			MaxEvents:   int(maxEvents),
			ScanLimit:   int(scanLimit),
			ReplierAddr: replierAddr,
			TargetVT:    targetVT,
		},
		SourceLogName: types.LogName(sourceLogName),
		AppName:       types.ApplicationName(appName),
		AppVersion:    appVersion,
		CorrelationID: correlationID,
		AuthToken:     authToken,
	}, nil
}

// EncodeReadSuccess serializes a ReplicationReadSuccess, compressing the
// event batch when it is large.
func EncodeReadSuccess(msg ReplicationReadSuccess) ([]byte, error) {
	batchW := custom.NewWriter()
	batchW.WriteCount(len(msg.Events))
	for _, e := range msg.Events {
		writeEvent(batchW, e)
	}
	batchBytes := batchW.Bytes()

	codec := codecNone
	switch {
	case len(batchBytes) > zstdThreshold:
		batchBytes = compression.CompressZstdBytes(batchBytes)
		codec = codecZstd
	case len(batchBytes) > compressionThreshold:
		batchBytes = compression.CompressLZ77Bytes(batchBytes)
		codec = codecLZ77
	}

	w := custom.NewWriter()
	w.WriteInt32(int32(codec))
	w.WriteBytes(batchBytes)
	w.WriteUint64(uint64(msg.FromSeq))
	w.WriteUint64(uint64(msg.NewProgress))
	w.WriteString(string(msg.TargetLogID))
	writeVectorTime(w, msg.SourceVT)
	return w.Bytes(), nil
}

// DecodeReadSuccess is the inverse of EncodeReadSuccess.
func DecodeReadSuccess(data []byte) (ReplicationReadSuccess, error) {
	r := custom.NewReader(data)

	codec, err := r.ReadInt32()
	if err != nil {
		return ReplicationReadSuccess{}, fmt.Errorf("decode read success: %w", err)
	}
	raw, err := r.ReadBytes()
	if err != nil {
		return ReplicationReadSuccess{}, fmt.Errorf("decode read success: %w", err)
	}
	if len(raw) > 0 {
		switch codecID(codec) {
		case codecLZ77:
			raw, err = compression.DecompressLZ77Bytes(raw)
		case codecZstd:
			raw, err = compression.DecompressZstdBytes(raw)
		}
		if err != nil {
			return ReplicationReadSuccess{}, fmt.Errorf("decompress event batch: %w", err)
		}
	}

	var events []event.DurableEvent
	if len(raw) > 0 {
		br := custom.NewReader(raw)
		n, err := br.ReadCount()
		if err != nil {
			return ReplicationReadSuccess{}, fmt.Errorf("decode event batch: %w", err)
		}
		events = make([]event.DurableEvent, 0, n)
		for i := 0; i < n; i++ {
			e, err := readEvent(br)
			if err != nil {
				return ReplicationReadSuccess{}, fmt.Errorf("decode event batch: %w", err)
			}
			events = append(events, e)
		}
	}

	fromSeq, err := r.ReadUint64()
	if err != nil {
		return ReplicationReadSuccess{}, fmt.Errorf("decode read success: %w", err)
	}
	newProgress, err := r.ReadUint64()
	if err != nil {
		return ReplicationReadSuccess{}, fmt.Errorf("decode read success: %w", err)
	}
	targetLogID, err := r.ReadString()
	if err != nil {
		return ReplicationReadSuccess{}, fmt.Errorf("decode read success: %w", err)
	}
	sourceVT, err := readVectorTime(r)
	if err != nil {
		return ReplicationReadSuccess{}, fmt.Errorf("decode read success: %w", err)
	}

	return ReplicationReadSuccess{
		Events:      events,
		FromSeq:     types.SequenceNr(fromSeq),
		NewProgress: types.SequenceNr(newProgress),
		TargetLogID: types.LogID(targetLogID),
		SourceVT:    sourceVT,
	}, nil
}

// -- field marshaling helpers --

func writeVectorTime(w *custom.Writer, vt vtime.VectorTime) {
	w.WriteCount(len(vt))
	for id, seq := range vt {
		w.WriteString(string(id))
		w.WriteUint64(uint64(seq))
	}
}

func readVectorTime(r *custom.Reader) (vtime.VectorTime, error) {
	n, err := r.ReadCount()
	if err != nil {
		return nil, err
	}
	out := make(vtime.VectorTime, n)
	for i := 0; i < n; i++ {
		id, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		seq, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		out[types.EndpointID(id)] = types.SequenceNr(seq)
	}
	return out, nil
}

func writeEvent(w *custom.Writer, e event.DurableEvent) {
	w.WriteBytes(e.Payload)
	w.WriteString(string(e.EmitterID))
	w.WriteString(string(e.LogID))
	w.WriteString(string(e.LocalLogID))
	w.WriteUint64(uint64(e.LocalSequenceNr))
	w.WriteString(string(e.ProcessID))
	writeVectorTime(w, e.VectorTimestamp)
	w.WriteUint64(uint64(e.SystemTimestamp))
	w.WriteString(e.EmitterApplicationVersion.String())
}

func readEvent(r *custom.Reader) (event.DurableEvent, error) {
	payload, err := r.ReadBytes()
	if err != nil {
		return event.DurableEvent{}, err
	}
	// ReadBytes aliases the decode buffer; the payload outlives it as an
	// application-visible field, so it needs its own backing array.
	payloadCopy := append([]byte(nil), payload...)

	emitterID, err := r.ReadString()
	if err != nil {
		return event.DurableEvent{}, err
	}
	logID, err := r.ReadString()
	if err != nil {
		return event.DurableEvent{}, err
	}
	localLogID, err := r.ReadString()
	if err != nil {
		return event.DurableEvent{}, err
	}
	localSeq, err := r.ReadUint64()
	if err != nil {
		return event.DurableEvent{}, err
	}
	processID, err := r.ReadString()
	if err != nil {
		return event.DurableEvent{}, err
	}
	vt, err := readVectorTime(r)
	if err != nil {
		return event.DurableEvent{}, err
	}
	systemTimestamp, err := r.ReadUint64()
	if err != nil {
		return event.DurableEvent{}, err
	}
	appVersionStr, err := r.ReadString()
	if err != nil {
		return event.DurableEvent{}, err
	}
	appVersion, _ := types.ParseApplicationVersion(appVersionStr)

	return event.DurableEvent{
		Payload:                   payloadCopy,
		EmitterID:                 types.EndpointID(emitterID),
		LogID:                     types.LogID(logID),
		LocalLogID:                types.LogID(localLogID),
		LocalSequenceNr:           types.SequenceNr(localSeq),
		ProcessID:                 types.LogID(processID),
		VectorTimestamp:           vt,
		SystemTimestamp:           int64(systemTimestamp),
		EmitterApplicationVersion: appVersion,
	}, nil
}
