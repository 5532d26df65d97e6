package oneclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ProviderSession implements Provider over a framed request/response
// connection to the Oneprovider gateway. Frames are length-prefixed JSON
// envelopes; the same connection carries server-initiated push messages.
// The engine treats the codec as replaceable: everything below the Provider
// interface can be swapped without touching the caches or the dispatcher.
type ProviderSession struct {
	cfg  *ClientConfig
	conn net.Conn

	writeMu sync.Mutex

	callMu  sync.Mutex
	nextID  uint64
	pending map[uint64]chan *sessionFrame

	pushCh chan ProviderPush
	closed chan struct{}
}

type sessionFrame struct {
	ID    uint64          `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`

	// set on push frames
	Push string `json:"push,omitempty"`
}

var _ Provider = (*ProviderSession)(nil)

// DialProvider establishes the session and performs the token handshake.
func DialProvider(ctx context.Context, cfg *ClientConfig) (*ProviderSession, error) {
	dialer := &tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS12}}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ProviderHost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	s := &ProviderSession{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint64]chan *sessionFrame),
		pushCh:  make(chan ProviderPush, 256),
		closed:  make(chan struct{}),
	}
	go s.readLoop()

	if err := s.call(ctx, "Handshake", map[string]string{
		"token":   cfg.Token,
		"version": OneclientVersion,
	}, nil); err != nil {
		s.conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ProviderSession) readLoop() {
	reader := bufio.NewReader(s.conn)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			s.fail(err)
			return
		}
		if frame.Push != "" {
			if push := decodePush(frame); push != nil {
				select {
				case s.pushCh <- push:
				default:
					Logger.Warnf("push channel full, dropping %s", frame.Push)
				}
			}
			continue
		}
		s.callMu.Lock()
		ch, ok := s.pending[frame.ID]
		delete(s.pending, frame.ID)
		s.callMu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (s *ProviderSession) fail(err error) {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.callMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	s.callMu.Unlock()
	close(s.pushCh)
	if err != io.EOF {
		Logger.Errorf("provider connection lost: %v", err)
	}
}

func readFrame(r *bufio.Reader) (*sessionFrame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	frame := &sessionFrame{}
	if err := json.Unmarshal(payload, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *ProviderSession) writeFrame(frame *sessionFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := s.conn.Write(header[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// call performs one request/response round trip; reply may be nil.
func (s *ProviderSession) call(ctx context.Context, op string, args any, reply any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}

	ch := make(chan *sessionFrame, 1)
	s.callMu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = ch
	s.callMu.Unlock()

	if err := s.writeFrame(&sessionFrame{ID: id, Op: op, Body: body}); err != nil {
		s.callMu.Lock()
		delete(s.pending, id)
		s.callMu.Unlock()
		return err
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if frame.Error != "" {
			return decodeRemoteError(frame)
		}
		if reply != nil && len(frame.Body) > 0 {
			return json.Unmarshal(frame.Body, reply)
		}
		return nil
	case <-ctx.Done():
		s.callMu.Lock()
		delete(s.pending, id)
		s.callMu.Unlock()
		return ErrTimeout
	case <-s.closed:
		return ErrConnectionLost
	}
}

// decodeRemoteError folds the provider's error code into the engine
// taxonomy.
func decodeRemoteError(frame *sessionFrame) error {
	switch frame.Code {
	case "enoent":
		return ErrNotFound
	case "eacces", "eperm":
		return ErrPermissionDenied
	case "eagain":
		return ErrAgain
	case "ecanceled":
		return ErrCanceled
	case "enospc", "equota":
		return ErrQuotaExceeded
	case "ekeyexpired":
		return ErrKeyExpired
	case "enotsup":
		return ErrNotSupported
	case "enotdir":
		return ErrNotDirectory
	case "etimedout":
		return ErrTimeout
	}
	return fmt.Errorf("provider error: %s", frame.Error)
}

func decodePush(frame *sessionFrame) ProviderPush {
	decode := func(v any) bool {
		if err := json.Unmarshal(frame.Body, v); err != nil {
			Logger.Warnf("malformed %s push: %v", frame.Push, err)
			return false
		}
		return true
	}
	switch frame.Push {
	case "file_attr_changed":
		p := FileAttrChangedPush{}
		if decode(&p) {
			return p
		}
	case "file_location_changed":
		var payload struct {
			Location locationPayload `json:"location"`
			Start    *int64          `json:"start"`
			End      *int64          `json:"end"`
		}
		if decode(&payload) {
			return FileLocationChangedPush{
				Location: payload.Location.toLocation(),
				Start:    payload.Start,
				End:      payload.End,
			}
		}
	case "file_removed":
		p := FileRemovedPush{}
		if decode(&p) {
			return p
		}
	case "file_renamed":
		p := FileRenamedPush{}
		if decode(&p) {
			return p
		}
	case "replica_status_changed":
		p := ReplicaStatusChangedPush{}
		if decode(&p) {
			return p
		}
	case "permission_changed":
		p := PermissionChangedPush{}
		if decode(&p) {
			return p
		}
	case "quota_exceeded":
		p := QuotaExceededPush{}
		if decode(&p) {
			return p
		}
	case "subscription":
		p := SubscriptionPush{}
		if decode(&p) {
			return p
		}
	case "subscription_cancel":
		p := SubscriptionCancelPush{}
		if decode(&p) {
			return p
		}
	default:
		Logger.Debugf("ignoring unknown push %q", frame.Push)
	}
	return nil
}

// --- Provider implementation ----------------------------------------------

func (s *ProviderSession) GetConfiguration(ctx context.Context) (*Configuration, error) {
	out := &Configuration{}
	if err := s.call(ctx, "GetConfiguration", struct{}{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) GetFSStats(ctx context.Context, identity string) (*FSStats, error) {
	out := &FSStats{}
	err := s.call(ctx, "GetFSStats", map[string]string{"uuid": identity}, out)
	return out, err
}

func (s *ProviderSession) GetFileAttr(ctx context.Context, identity string) (*FileAttributes, error) {
	out := &FileAttributes{}
	if err := s.call(ctx, "GetFileAttr", map[string]string{"uuid": identity}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) GetChildAttr(ctx context.Context, parent, name string) (*FileAttributes, error) {
	out := &FileAttributes{}
	if err := s.call(ctx, "GetChildAttr", map[string]string{"parent": parent, "name": name}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) GetFileChildrenAttrs(ctx context.Context, identity string, offset, count int, opts ListOptions) ([]DirEntry, bool, error) {
	var out struct {
		Entries []DirEntry `json:"entries"`
		EOF     bool       `json:"eof"`
	}
	err := s.call(ctx, "GetFileChildrenAttrs", map[string]any{
		"uuid": identity, "offset": offset, "count": count,
		"includeReplicationStatus": opts.IncludeReplicationStatus,
		"includeLinkCount":         opts.IncludeLinkCount,
	}, &out)
	return out.Entries, out.EOF, err
}

func (s *ProviderSession) GetHelperParams(ctx context.Context, storageID, spaceID string, mode HelperMode) (*HelperParams, error) {
	out := &HelperParams{}
	if err := s.call(ctx, "GetHelperParams", map[string]string{
		"storageId": storageID, "spaceId": spaceID, "mode": mode.String(),
	}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) CreateStorageTestFile(ctx context.Context, identity, storageID string) (*StorageTestFile, error) {
	out := &StorageTestFile{}
	if err := s.call(ctx, "CreateStorageTestFile", map[string]string{
		"uuid": identity, "storageId": storageID,
	}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) VerifyStorageTestFile(ctx context.Context, storageID, spaceID, fileID, content string) error {
	return s.call(ctx, "VerifyStorageTestFile", map[string]string{
		"storageId": storageID, "spaceId": spaceID, "fileId": fileID, "content": content,
	}, nil)
}

func (s *ProviderSession) CreateFile(ctx context.Context, parent, name string, mode uint32, flags OpenFlags) (*FileCreated, error) {
	out := &FileCreated{}
	if err := s.call(ctx, "CreateFile", map[string]any{
		"parent": parent, "name": name, "mode": mode, "flags": int(flags),
	}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) CreateDir(ctx context.Context, parent, name string, mode uint32) (*FileAttributes, error) {
	out := &FileAttributes{}
	if err := s.call(ctx, "CreateDir", map[string]any{"parent": parent, "name": name, "mode": mode}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) MakeFile(ctx context.Context, parent, name string, mode uint32) (*FileAttributes, error) {
	out := &FileAttributes{}
	if err := s.call(ctx, "MakeFile", map[string]any{"parent": parent, "name": name, "mode": mode}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) MakeLink(ctx context.Context, target, parent, name string) (*FileAttributes, error) {
	out := &FileAttributes{}
	if err := s.call(ctx, "MakeLink", map[string]string{"target": target, "parent": parent, "name": name}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) MakeSymLink(ctx context.Context, parent, name, link string) (*FileAttributes, error) {
	out := &FileAttributes{}
	if err := s.call(ctx, "MakeSymLink", map[string]string{"parent": parent, "name": name, "link": link}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProviderSession) ReadSymLink(ctx context.Context, identity string) (string, error) {
	var out struct {
		Link string `json:"link"`
	}
	err := s.call(ctx, "ReadSymLink", map[string]string{"uuid": identity}, &out)
	return out.Link, err
}

func (s *ProviderSession) OpenFile(ctx context.Context, identity string, flags OpenFlags) (string, error) {
	var out struct {
		HandleID string `json:"handleId"`
	}
	err := s.call(ctx, "OpenFile", map[string]any{"uuid": identity, "flags": int(flags)}, &out)
	return out.HandleID, err
}

func (s *ProviderSession) Release(ctx context.Context, identity, providerHandleID string) error {
	return s.call(ctx, "Release", map[string]string{"uuid": identity, "handleId": providerHandleID}, nil)
}

func (s *ProviderSession) FSync(ctx context.Context, identity string, dataOnly bool, providerHandleID string) error {
	return s.call(ctx, "FSync", map[string]any{
		"uuid": identity, "dataOnly": dataOnly, "handleId": providerHandleID,
	}, nil)
}

func (s *ProviderSession) GetFileLocation(ctx context.Context, identity string) (*FileLocation, error) {
	return s.syncCall(ctx, "GetFileLocation", map[string]any{"uuid": identity})
}

func (s *ProviderSession) SynchronizeBlock(ctx context.Context, identity string, rng ByteRange, priority int) (*FileLocation, error) {
	return s.syncCall(ctx, "SynchronizeBlock", map[string]any{
		"uuid": identity, "offset": rng.Offset, "size": rng.Size, "priority": priority,
	})
}

// locationPayload is the wire shape of a FileLocation; blocks travel as
// offset/size/storage/file tuples.
type locationPayload struct {
	Identity         string `json:"uuid"`
	SpaceID          string `json:"spaceId"`
	DefaultStorageID string `json:"storageId"`
	DefaultFileID    string `json:"fileId"`
	Version          int64  `json:"version"`
	Blocks           []struct {
		Offset    int64  `json:"offset"`
		Size      int64  `json:"size"`
		StorageID string `json:"storageId"`
		FileID    string `json:"fileId"`
	} `json:"blocks"`
}

func (p *locationPayload) toLocation() *FileLocation {
	loc := &FileLocation{
		Identity:         p.Identity,
		SpaceID:          p.SpaceID,
		DefaultStorageID: p.DefaultStorageID,
		DefaultFileID:    p.DefaultFileID,
		Version:          p.Version,
		Blocks:           NewBlockMap(),
	}
	for _, b := range p.Blocks {
		loc.Blocks.Insert(ByteRange{Offset: b.Offset, Size: b.Size},
			FileBlock{StorageID: b.StorageID, FileID: b.FileID})
	}
	return loc
}

func (s *ProviderSession) syncCall(ctx context.Context, op string, args map[string]any) (*FileLocation, error) {
	out := &locationPayload{}
	if err := s.call(ctx, op, args, out); err != nil {
		return nil, err
	}
	return out.toLocation(), nil
}

func (s *ProviderSession) SynchronizeBlockAndComputeChecksum(ctx context.Context, identity string, rng ByteRange, priority int) (*ChecksumSync, error) {
	var out struct {
		Checksum string          `json:"checksum"`
		Location locationPayload `json:"location"`
	}
	if err := s.call(ctx, "SynchronizeBlockAndComputeChecksum", map[string]any{
		"uuid": identity, "offset": rng.Offset, "size": rng.Size, "priority": priority,
	}, &out); err != nil {
		return nil, err
	}
	return &ChecksumSync{Checksum: out.Checksum, Location: out.Location.toLocation()}, nil
}

func (s *ProviderSession) BlockSynchronizationRequest(ctx context.Context, identity string, rng ByteRange, priority int) error {
	return s.call(ctx, "BlockSynchronizationRequest", map[string]any{
		"uuid": identity, "offset": rng.Offset, "size": rng.Size, "priority": priority,
	}, nil)
}

func (s *ProviderSession) Truncate(ctx context.Context, identity string, size int64) error {
	return s.call(ctx, "Truncate", map[string]any{"uuid": identity, "size": size}, nil)
}

func (s *ProviderSession) Rename(ctx context.Context, identity, targetParent, targetName string) (string, []RenameEntry, error) {
	var out struct {
		NewUUID  string        `json:"newUuid"`
		Children []RenameEntry `json:"children"`
	}
	err := s.call(ctx, "Rename", map[string]string{
		"uuid": identity, "targetParent": targetParent, "targetName": targetName,
	}, &out)
	return out.NewUUID, out.Children, err
}

func (s *ProviderSession) DeleteFile(ctx context.Context, identity string) error {
	return s.call(ctx, "DeleteFile", map[string]string{"uuid": identity}, nil)
}

func (s *ProviderSession) ChangeMode(ctx context.Context, identity string, mode uint32) error {
	return s.call(ctx, "ChangeMode", map[string]any{"uuid": identity, "mode": mode}, nil)
}

func (s *ProviderSession) UpdateTimes(ctx context.Context, identity string, atime, mtime, ctime *time.Time) error {
	args := map[string]any{"uuid": identity}
	if atime != nil {
		args["atime"] = atime.Unix()
	}
	if mtime != nil {
		args["mtime"] = mtime.Unix()
	}
	if ctime != nil {
		args["ctime"] = ctime.Unix()
	}
	return s.call(ctx, "UpdateTimes", args, nil)
}

func (s *ProviderSession) GetXAttr(ctx context.Context, identity, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := s.call(ctx, "GetXAttr", map[string]string{"uuid": identity, "name": name}, &out)
	return out.Value, err
}

func (s *ProviderSession) SetXAttr(ctx context.Context, identity, name, value string, create, replace bool) error {
	return s.call(ctx, "SetXAttr", map[string]any{
		"uuid": identity, "name": name, "value": value, "create": create, "replace": replace,
	}, nil)
}

func (s *ProviderSession) RemoveXAttr(ctx context.Context, identity, name string) error {
	return s.call(ctx, "RemoveXAttr", map[string]string{"uuid": identity, "name": name}, nil)
}

func (s *ProviderSession) ListXAttr(ctx context.Context, identity string) ([]string, error) {
	var out struct {
		Names []string `json:"names"`
	}
	err := s.call(ctx, "ListXAttr", map[string]string{"uuid": identity}, &out)
	return out.Names, err
}

func (s *ProviderSession) ProxyRead(ctx context.Context, storageID, fileID string, offset int64, size int) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	err := s.call(ctx, "ProxyRead", map[string]any{
		"storageId": storageID, "fileId": fileID, "offset": offset, "size": size,
	}, &out)
	return out.Data, err
}

func (s *ProviderSession) ProxyWrite(ctx context.Context, storageID, fileID string, offset int64, data []byte) (int, error) {
	var out struct {
		Written int `json:"written"`
	}
	err := s.call(ctx, "ProxyWrite", map[string]any{
		"storageId": storageID, "fileId": fileID, "offset": offset, "data": data,
	}, &out)
	return out.Written, err
}

func (s *ProviderSession) Subscribe(ctx context.Context, sub Subscription) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := s.call(ctx, "Subscribe", map[string]any{
		"kind": sub.Kind.String(), "uuid": sub.Identity,
	}, &out)
	return out.ID, err
}

func (s *ProviderSession) CancelSubscription(ctx context.Context, id int64) error {
	return s.call(ctx, "CancelSubscription", map[string]int64{"id": id}, nil)
}

func (s *ProviderSession) SendEvents(ctx context.Context, events []Event) error {
	type eventPayload struct {
		Kind     string `json:"kind"`
		Identity string `json:"uuid"`
		Count    int64  `json:"count"`
		Size     int64  `json:"size"`
		FileSize *int64 `json:"fileSize,omitempty"`
		Blocks   []struct {
			Offset int64 `json:"offset"`
			Size   int64 `json:"size"`
		} `json:"blocks,omitempty"`
	}
	payload := make([]eventPayload, 0, len(events))
	for _, ev := range events {
		p := eventPayload{Kind: ev.Kind().String(), Identity: ev.AggregationKey()}
		switch e := ev.(type) {
		case *FileReadEvent:
			p.Count, p.Size = e.Count, e.Size
			for _, span := range e.Blocks.Spans() {
				p.Blocks = append(p.Blocks, struct {
					Offset int64 `json:"offset"`
					Size   int64 `json:"size"`
				}{span.Off, span.Len()})
			}
		case *FileWrittenEvent:
			p.Count, p.Size, p.FileSize = e.Count, e.Size, e.FileSize
			for _, span := range e.Blocks.Spans() {
				p.Blocks = append(p.Blocks, struct {
					Offset int64 `json:"offset"`
					Size   int64 `json:"size"`
				}{span.Off, span.Len()})
			}
		}
		payload = append(payload, p)
	}
	return s.call(ctx, "SendEvents", map[string]any{"events": payload}, nil)
}

func (s *ProviderSession) Pushes() <-chan ProviderPush {
	return s.pushCh
}

func (s *ProviderSession) CloseSession(ctx context.Context) error {
	err := s.call(ctx, "CloseSession", struct{}{}, nil)
	s.conn.Close()
	return err
}
