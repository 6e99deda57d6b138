package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// Doc is the replicated workflow document: named collections of structured
// records, merged with per-field last-writer-wins registers.
//
// Merge policy: each (collection, record, field) triple is a register
// carrying a lamport clock and the writer's replica client id. The higher
// (clock, client) pair wins. Two replicas that have seen the same set of
// writes therefore hold identical state regardless of delivery order.
// Record ordering and deletion ride on hidden registers, so they merge the
// same way field values do.
//
// Doc never does i/o. The transport and bridge subscribe to update
// notifications, which carry the encoded delta and the origin marker of
// the change, and push bytes around.

// Record is one structured record of a collection. Field values are
// primitives, strings, or JSON-decoded nested structures. The "id" field
// identifies the record across replicas.
type Record map[string]any

func (self Record) Id() string {
	id, _ := self["id"].(string)
	return id
}

// update bytes, and the origin marker of the transaction or apply call
// that produced them
type UpdateFunc func(update []byte, origin any)

// StateVector maps replica client id to the highest clock observed from
// that replica. It is the compact answer to "what do you already have".
type StateVector map[uint64]uint64

// hidden record fields. Field names written by applications never start
// with '@'.
const (
	fieldOrder     = "@ord"
	fieldTombstone = "@del"
)

type register struct {
	valueJson []byte
	clock     uint64
	client    uint64
}

// wins reports whether `self` takes precedence over `other`
func (self *register) wins(other *register) bool {
	if self.clock != other.clock {
		return other.clock < self.clock
	}
	return other.client < self.client
}

type docRecord struct {
	fields map[string]*register
}

type docCollection struct {
	records map[string]*docRecord
}

type write struct {
	collection string
	recordId   string
	field      string
	valueJson  []byte
	clock      uint64
	client     uint64
}

type Doc struct {
	clientId uint64

	stateLock   sync.Mutex
	clock       uint64
	stateVector StateVector
	collections map[string]*docCollection

	updateCallbacks *CallbackList[UpdateFunc]
}

func NewDoc() *Doc {
	return NewDocWithClientId(NewId().ClientId())
}

func NewDocWithClientId(clientId uint64) *Doc {
	return &Doc{
		clientId:        clientId,
		stateVector:     StateVector{},
		collections:     map[string]*docCollection{},
		updateCallbacks: NewCallbackList[UpdateFunc](),
	}
}

func (self *Doc) ClientId() uint64 {
	return self.clientId
}

// AddUpdateCallback subscribes to change notifications. The returned
// function unsubscribes.
func (self *Doc) AddUpdateCallback(updateCallback UpdateFunc) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// EnsureCollection makes the named collection exist. Idempotent, and a
// no-op on the wire: an empty collection has no registers, so an
// established document is never clobbered.
func (self *Doc) EnsureCollection(name string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ensureCollection(name)
}

// must be called with `stateLock`
func (self *Doc) ensureCollection(name string) *docCollection {
	collection, ok := self.collections[name]
	if !ok {
		collection = &docCollection{
			records: map[string]*docRecord{},
		}
		self.collections[name] = collection
	}
	return collection
}

// Txn batches writes into one atomic transaction. All writes share one
// clock above everything the document has seen, so the transaction wins
// locally and merges as a unit remotely.
type Txn struct {
	doc    *Doc
	clock  uint64
	writes []*write
}

// Set writes one field. The value is deep-copied through a JSON round
// trip, which both strips non-serializable references and makes the wire
// value canonical. Writing a value byte-equal to the current one is
// skipped, so concurrent edits to other fields of the same record are
// never clobbered by a no-op rewrite.
func (self *Txn) Set(collection string, recordId string, field string, value any) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("value for %s/%s.%s is not serializable: %w", collection, recordId, field, err)
	}
	self.setJson(collection, recordId, field, valueJson)
	return nil
}

// Delete tombstones a record. The tombstone is a register like any other,
// so a concurrent newer write resurrects the record deterministically.
func (self *Txn) Delete(collection string, recordId string) {
	self.setJson(collection, recordId, fieldTombstone, []byte("true"))
}

func (self *Txn) undelete(collection string, recordId string) {
	self.setJson(collection, recordId, fieldTombstone, []byte("false"))
}

// clearField removes a field with an empty register, the field-level
// analog of the record tombstone. Empty registers merge like any value
// and materialize as an absent field.
func (self *Txn) clearField(collection string, recordId string, field string) {
	self.setJson(collection, recordId, field, nil)
}

func (self *Txn) setOrder(collection string, recordId string, index int) {
	valueJson, _ := json.Marshal(index)
	self.setJson(collection, recordId, fieldOrder, valueJson)
}

func (self *Txn) setJson(collection string, recordId string, field string, valueJson []byte) {
	// skip writes that do not change the current value
	if current, ok := self.doc.fieldJson(collection, recordId, field); ok {
		if bytes.Equal(current, valueJson) {
			return
		}
	}
	self.writes = append(self.writes, &write{
		collection: collection,
		recordId:   recordId,
		field:      field,
		valueJson:  valueJson,
		clock:      self.clock,
		client:     self.doc.clientId,
	})
}

func (self *Doc) fieldJson(collectionName string, recordId string, field string) ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return nil, false
	}
	record, ok := collection.records[recordId]
	if !ok {
		return nil, false
	}
	reg, ok := record.fields[field]
	if !ok {
		return nil, false
	}
	return reg.valueJson, true
}

// Transact runs `fn` against a transaction and commits it. The origin
// marker is handed verbatim to every update callback, which is how the
// bridge recognizes its own writes. An empty transaction commits to
// nothing and notifies no one.
func (self *Doc) Transact(origin any, fn func(txn *Txn) error) error {
	self.stateLock.Lock()
	txn := &Txn{
		doc:   self,
		clock: self.clock + 1,
	}
	self.stateLock.Unlock()

	if err := fn(txn); err != nil {
		return err
	}
	if len(txn.writes) == 0 {
		return nil
	}

	self.stateLock.Lock()
	// the clock may have advanced while `fn` ran
	if txn.clock <= self.clock {
		txn.clock = self.clock + 1
		for _, w := range txn.writes {
			w.clock = txn.clock
		}
	}
	for _, w := range txn.writes {
		self.mergeWrite(w)
	}
	self.stateLock.Unlock()

	update := encodeWrites(txn.writes)
	for _, updateCallback := range self.updateCallbacks.Get() {
		updateCallback(update, origin)
	}
	return nil
}

// must be called with `stateLock`. Returns whether the write took effect.
func (self *Doc) mergeWrite(w *write) bool {
	if self.clock < w.clock {
		self.clock = w.clock
	}
	if self.stateVector[w.client] < w.clock {
		self.stateVector[w.client] = w.clock
	}

	collection := self.ensureCollection(w.collection)
	record, ok := collection.records[w.recordId]
	if !ok {
		record = &docRecord{
			fields: map[string]*register{},
		}
		collection.records[w.recordId] = record
	}
	next := &register{
		valueJson: w.valueJson,
		clock:     w.clock,
		client:    w.client,
	}
	if current, ok := record.fields[w.field]; ok {
		if !next.wins(current) {
			return false
		}
		if bytes.Equal(current.valueJson, next.valueJson) {
			// newer metadata, same value. Track the clock but report no
			// visible change.
			record.fields[w.field] = next
			return false
		}
	}
	record.fields[w.field] = next
	return true
}

// ApplyUpdate merges a remote delta. Idempotent: writes the document has
// already seen change nothing and emit no notification. Returns the
// number of writes that changed visible state; callbacks receive a
// re-encoding of only those writes.
func (self *Doc) ApplyUpdate(update []byte, origin any) (int, error) {
	writes, err := decodeWrites(update)
	if err != nil {
		return 0, err
	}

	effective := []*write{}
	self.stateLock.Lock()
	for _, w := range writes {
		if self.mergeWrite(w) {
			effective = append(effective, w)
		}
	}
	self.stateLock.Unlock()

	if len(effective) == 0 {
		return 0, nil
	}

	effectiveUpdate := encodeWrites(effective)
	for _, updateCallback := range self.updateCallbacks.Get() {
		updateCallback(effectiveUpdate, origin)
	}
	return len(effective), nil
}

// StateVector snapshots the version vector for sync step 1.
func (self *Doc) StateVector() StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.stateVector)
}

// EncodeUpdateSince packs every register newer than the remote state
// vector into one update: the counterpart of sync step 1.
func (self *Doc) EncodeUpdateSince(remote StateVector) []byte {
	self.stateLock.Lock()
	writes := []*write{}
	for collectionName, collection := range self.collections {
		for recordId, record := range collection.records {
			for field, reg := range record.fields {
				if remote[reg.client] < reg.clock {
					writes = append(writes, &write{
						collection: collectionName,
						recordId:   recordId,
						field:      field,
						valueJson:  reg.valueJson,
						clock:      reg.clock,
						client:     reg.client,
					})
				}
			}
		}
	}
	self.stateLock.Unlock()
	return encodeWrites(writes)
}

// HandleSyncMessage decodes one document sync payload (everything after
// the message kind) and applies it. Step 1 yields a step 2 reply to send
// back on the same connection; the returned sync type lets the transport
// detect the first step 2. Unknown sync types are ignored.
func (self *Doc) HandleSyncMessage(payload []byte, origin any) (reply []byte, syncType uint64, err error) {
	syncType, body, err := ParseSyncPayload(payload)
	if err != nil {
		return nil, 0, err
	}
	switch syncType {
	case SyncStep1:
		remote, err := DecodeStateVector(body)
		if err != nil {
			return nil, syncType, err
		}
		return EncodeSyncPayload(SyncStep2, self.EncodeUpdateSince(remote)), syncType, nil
	case SyncStep2, SyncUpdate:
		_, err := self.ApplyUpdate(body, origin)
		return nil, syncType, err
	default:
		// forward compatible ignore
		return nil, syncType, nil
	}
}

// EncodeSyncStep1 packs the local state vector as a sync step 1 payload.
func (self *Doc) EncodeSyncStep1() []byte {
	return EncodeSyncPayload(SyncStep1, EncodeStateVector(self.StateVector()))
}

func EncodeStateVector(sv StateVector) []byte {
	clients := maps.Keys(sv)
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	enc := &encoder{}
	enc.writeUvarint(uint64(len(clients)))
	for _, client := range clients {
		enc.writeUvarint(client)
		enc.writeUvarint(sv[client])
	}
	return enc.bytes()
}

func DecodeStateVector(b []byte) (StateVector, error) {
	dec := newDecoder(b)
	n, err := dec.readUvarint()
	if err != nil {
		return nil, err
	}
	sv := StateVector{}
	for i := uint64(0); i < n; i += 1 {
		client, err := dec.readUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := dec.readUvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

func encodeWrites(writes []*write) []byte {
	ordered := make([]*write, len(writes))
	copy(ordered, writes)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.collection != b.collection {
			return a.collection < b.collection
		}
		if a.recordId != b.recordId {
			return a.recordId < b.recordId
		}
		return a.field < b.field
	})

	enc := &encoder{}
	enc.writeUvarint(uint64(len(ordered)))
	for _, w := range ordered {
		enc.writeString(w.collection)
		enc.writeString(w.recordId)
		enc.writeString(w.field)
		enc.writeVarBytes(w.valueJson)
		enc.writeUvarint(w.clock)
		enc.writeUvarint(w.client)
	}
	return enc.bytes()
}

func decodeWrites(update []byte) ([]*write, error) {
	dec := newDecoder(update)
	n, err := dec.readUvarint()
	if err != nil {
		return nil, err
	}
	writes := []*write{}
	for i := uint64(0); i < n; i += 1 {
		w := &write{}
		if w.collection, err = dec.readString(); err != nil {
			return nil, err
		}
		if w.recordId, err = dec.readString(); err != nil {
			return nil, err
		}
		if w.field, err = dec.readString(); err != nil {
			return nil, err
		}
		valueJson, err := dec.readVarBytes()
		if err != nil {
			return nil, err
		}
		w.valueJson = append([]byte{}, valueJson...)
		if w.clock, err = dec.readUvarint(); err != nil {
			return nil, err
		}
		if w.client, err = dec.readUvarint(); err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// Records materializes the named collection: live records ordered by
// their order register, record id breaking ties deterministically.
func (self *Doc) Records(collectionName string) []Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return []Record{}
	}

	type orderedRecord struct {
		recordId string
		order    float64
		record   Record
	}

	ordered := []*orderedRecord{}
	for recordId, docRecord := range collection.records {
		if reg, ok := docRecord.fields[fieldTombstone]; ok {
			deleted := false
			json.Unmarshal(reg.valueJson, &deleted)
			if deleted {
				continue
			}
		}
		record := Record{}
		order := float64(0)
		for field, reg := range docRecord.fields {
			if field == fieldTombstone {
				continue
			}
			if field == fieldOrder {
				json.Unmarshal(reg.valueJson, &order)
				continue
			}
			if len(reg.valueJson) == 0 {
				// cleared field
				continue
			}
			var value any
			if err := json.Unmarshal(reg.valueJson, &value); err != nil {
				// unreadable register, leave the field out
				continue
			}
			record[field] = value
		}
		ordered = append(ordered, &orderedRecord{
			recordId: recordId,
			order:    order,
			record:   record,
		})
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].order != ordered[j].order {
			return ordered[i].order < ordered[j].order
		}
		return ordered[i].recordId < ordered[j].recordId
	})

	records := make([]Record, 0, len(ordered))
	for _, o := range ordered {
		records = append(records, o.record)
	}
	return records
}

// ReplaceRecords replaces the collection content inside `txn`: upserts the
// given records in order, clears fields absent from their replacement,
// tombstones records absent from the list. Only changed fields are
// written.
func (self *Doc) ReplaceRecords(txn *Txn, collectionName string, records []Record) error {
	keep := map[string]bool{}
	for i, record := range records {
		recordId := record.Id()
		if recordId == "" {
			return fmt.Errorf("record %d of %s has no id", i, collectionName)
		}
		keep[recordId] = true
		for field, value := range record {
			if err := txn.Set(collectionName, recordId, field, value); err != nil {
				return err
			}
		}
		for _, field := range self.fieldNames(collectionName, recordId) {
			if _, ok := record[field]; !ok {
				txn.clearField(collectionName, recordId, field)
			}
		}
		txn.setOrder(collectionName, recordId, i)
		if self.isDeleted(collectionName, recordId) {
			txn.undelete(collectionName, recordId)
		}
	}

	for _, recordId := range self.liveRecordIds(collectionName) {
		if !keep[recordId] {
			txn.Delete(collectionName, recordId)
		}
	}
	return nil
}

func (self *Doc) isDeleted(collectionName string, recordId string) bool {
	valueJson, ok := self.fieldJson(collectionName, recordId, fieldTombstone)
	if !ok {
		return false
	}
	deleted := false
	json.Unmarshal(valueJson, &deleted)
	return deleted
}

// fieldNames lists the set, non-hidden fields of a record, tombstoned or
// not. Resurrecting a record through a replacement must clear its stale
// fields the same way a live replacement does.
func (self *Doc) fieldNames(collectionName string, recordId string) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return nil
	}
	record, ok := collection.records[recordId]
	if !ok {
		return nil
	}
	fields := []string{}
	for field, reg := range record.fields {
		if field == fieldOrder || field == fieldTombstone {
			continue
		}
		if len(reg.valueJson) == 0 {
			// already cleared
			continue
		}
		fields = append(fields, field)
	}
	return fields
}

func (self *Doc) liveRecordIds(collectionName string) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return nil
	}
	recordIds := []string{}
	for recordId, record := range collection.records {
		if reg, ok := record.fields[fieldTombstone]; ok {
			deleted := false
			json.Unmarshal(reg.valueJson, &deleted)
			if deleted {
				continue
			}
		}
		recordIds = append(recordIds, recordId)
	}
	return recordIds
}
