// Package fuota runs firmware-update-over-the-air deployments: a
// job-typed state machine that sets up a multicast group on the target
// devices through the Remote Multicast Setup and Fragmented Data Block
// Transport applayer packages, then streams the firmware fragments
// through the multicast coordinator.
package fuota

import (
	"context"
	"crypto/aes"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/downlink/multicast"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/applayer/fragmentation"
	"github.com/brocaar/lorawan/applayer/multicastsetup"
	"github.com/brocaar/lorawan/gps"
)

const lockKeyTempl = "lock:fuota:%s"

// classBSessionGrid aligns Class-B session starts to the beacon period
// grid.
const classBSessionGrid = 128 * time.Second

// Server is the deployment job runner.
type Server struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer returns a new deployment job runner.
func NewServer() *Server {
	return &Server{}
}

// Start starts the job runner loop.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	conf := config.Get()
	interval := conf.NetworkServer.Scheduler.Interval

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := schedulePass(ctx); err != nil {
					slog.Error("fuota pass error", "component", "fuota", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the job runner loop.
func (s *Server) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func schedulePass(ctx context.Context) error {
	conf := config.Get()

	ids, err := storage.GetSchedulableFUOTADeployments(ctx, conf.NetworkServer.Scheduler.BatchSize, 2*conf.NetworkServer.Scheduler.Interval)
	if err != nil {
		return errors.Wrap(err, "get schedulable deployments error")
	}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := runDeployment(ctx, id); err != nil {
				slog.Error("run deployment error", "component", "fuota", "deployment_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runDeployment executes the due job of the deployment and advances the
// state machine. A failing creation or add job aborts the deployment;
// failing setup jobs retry until MaxRetryCount and then move on.
func runDeployment(ctx context.Context, id uuid.UUID) error {
	conf := config.Get()

	err := storage.LockKey(ctx, storage.GetRedisKey(lockKeyTempl, id), conf.NetworkServer.Scheduler.ClassCLockDuration)
	if err != nil {
		if errors.Cause(err) == storage.ErrAlreadyExists {
			return nil
		}
		return err
	}

	d, err := storage.GetFUOTADeployment(ctx, id)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			return nil
		}
		return errors.Wrap(err, "get deployment error")
	}
	if d.Job == storage.FUOTAJobComplete {
		return nil
	}

	job := d.Job
	var jobErr error
	switch job {
	case storage.FUOTAJobCreateMcGroup:
		jobErr = jobCreateMcGroup(ctx, &d)
	case storage.FUOTAJobAddDevices:
		jobErr = jobAddDevices(ctx, &d)
	case storage.FUOTAJobAddGateways:
		jobErr = jobAddGateways(ctx, &d)
	case storage.FUOTAJobMcGroupSetup:
		jobErr = jobMcGroupSetup(ctx, &d)
	case storage.FUOTAJobFragSessionSetup:
		jobErr = jobFragSessionSetup(ctx, &d)
	case storage.FUOTAJobMcSession:
		jobErr = jobMcSession(ctx, &d)
	case storage.FUOTAJobEnqueue:
		jobErr = jobEnqueue(ctx, &d)
	case storage.FUOTAJobFragStatus:
		jobErr = jobFragStatus(ctx, &d)
	default:
		jobErr = errors.Errorf("unexpected job %s", job)
	}

	result := "ok"
	if jobErr != nil {
		result = "error"
		d.ErrorMsg = jobErr.Error()
		if isAbortingJob(job) {
			d.Job = storage.FUOTAJobComplete
		} else {
			d.SchedulerRunAfter = time.Now().Add(d.DeviceUplinkInterval)
		}
	}
	metrics.FUOTAJobs.WithLabelValues(string(job), result).Inc()

	if err := storage.SaveFUOTADeployment(ctx, &d); err != nil {
		return errors.Wrap(err, "save deployment error")
	}

	slog.Info("fuota job executed", "component", "fuota",
		"deployment_id", d.ID,
		"job", string(job),
		"next_job", string(d.Job),
		"result", result,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return jobErr
}

// isAbortingJob marks the jobs whose failure aborts the deployment.
func isAbortingJob(job storage.FUOTAJob) bool {
	switch job {
	case storage.FUOTAJobCreateMcGroup, storage.FUOTAJobAddDevices, storage.FUOTAJobAddGateways, storage.FUOTAJobEnqueue:
		return true
	default:
		return false
	}
}

func jobCreateMcGroup(ctx context.Context, d *storage.FUOTADeployment) error {
	conf := config.Get()

	mcAddr, err := storage.GetRandomDevAddr(conf.NetworkServer.NetID)
	if err != nil {
		return err
	}
	if _, err := rand.Read(d.McKey[:]); err != nil {
		return errors.Wrap(err, "read random mckey error")
	}

	mcNetSKey, err := multicastsetup.GetMcNetSKey(d.McKey, mcAddr)
	if err != nil {
		return errors.Wrap(err, "get mcnetskey error")
	}
	mcAppSKey, err := multicastsetup.GetMcAppSKey(d.McKey, mcAddr)
	if err != nil {
		return errors.Wrap(err, "get mcappskey error")
	}

	mg := storage.MulticastGroup{
		MCAddr:           mcAddr,
		MCNwkSKey:        mcNetSKey,
		MCAppSKey:        mcAppSKey,
		GroupType:        d.GroupType,
		ClassCScheduling: storage.MulticastSchedulingGPSTime,
		DR:               d.DR,
		Frequency:        d.Frequency,
		PingSlotPeriod:   d.PingSlotPeriod,
		RegionConfigID:   d.RegionConfigID,
	}
	if err := storage.CreateMulticastGroup(ctx, &mg); err != nil {
		return errors.Wrap(err, "create multicast-group error")
	}

	d.MulticastGroupID = mg.ID
	d.Job = storage.FUOTAJobAddDevices
	d.SchedulerRunAfter = time.Now()
	return nil
}

func jobAddDevices(ctx context.Context, d *storage.FUOTADeployment) error {
	for devEUI := range d.Devices {
		if err := storage.AddDeviceToMulticastGroup(ctx, d.MulticastGroupID, devEUI); err != nil {
			return errors.Wrap(err, "add device to multicast-group error")
		}
	}

	d.Job = storage.FUOTAJobAddGateways
	d.SchedulerRunAfter = time.Now()
	return nil
}

// jobAddGateways pins the covering gateway set on the multicast group so
// that every following enqueue uses a stable set.
func jobAddGateways(ctx context.Context, d *storage.FUOTADeployment) error {
	devEUIs := make([]lorawan.EUI64, 0, len(d.Devices))
	for devEUI := range d.Devices {
		devEUIs = append(devEUIs, devEUI)
	}

	rxInfoSets, err := storage.GetDeviceGatewayRXInfoSetForDevEUIs(ctx, devEUIs)
	if err != nil {
		return errors.Wrap(err, "get gateway rx-info sets error")
	}
	gatewayIDs, err := multicast.GetMinimumGatewaySet(rxInfoSets)
	if err != nil {
		return errors.Wrap(err, "minimum gateway-set error")
	}
	if len(gatewayIDs) == 0 {
		return errors.New("no gateway covers the deployment devices")
	}

	mg, err := storage.GetMulticastGroup(ctx, d.MulticastGroupID)
	if err != nil {
		return errors.Wrap(err, "get multicast-group error")
	}
	mg.GatewayIDs = gatewayIDs
	if err := storage.UpdateMulticastGroup(ctx, &mg); err != nil {
		return errors.Wrap(err, "update multicast-group error")
	}

	d.Job = storage.FUOTAJobMcGroupSetup
	d.SchedulerRunAfter = time.Now()
	return nil
}

func jobMcGroupSetup(ctx context.Context, d *storage.FUOTADeployment) error {
	done := devicesDone(d, func(st *storage.FUOTADeviceState) bool { return st.McGroupSetup })
	if done || d.AttemptCount > d.MaxRetryCount {
		if !done {
			slog.Warn("mc-group setup retries exhausted, moving on", "component", "fuota", "deployment_id", d.ID)
		}
		d.Job = storage.FUOTAJobFragSessionSetup
		d.AttemptCount = 0
		d.SchedulerRunAfter = time.Now()
		return nil
	}
	d.AttemptCount++

	mg, err := storage.GetMulticastGroup(ctx, d.MulticastGroupID)
	if err != nil {
		return errors.Wrap(err, "get multicast-group error")
	}

	for devEUI, st := range d.Devices {
		if st.McGroupSetup {
			continue
		}

		mcKeyEncrypted, err := encryptMcKeyForDevice(ctx, devEUI, d.McKey)
		if err != nil {
			slog.Error("encrypt mckey error", "component", "fuota", "dev_eui", devEUI.String(), "error", err)
			continue
		}

		cmd := multicastsetup.Command{
			CID: multicastsetup.McGroupSetupReq,
			Payload: &multicastsetup.McGroupSetupReqPayload{
				McGroupIDHeader: multicastsetup.McGroupSetupReqPayloadMcGroupIDHeader{
					McGroupID: d.McGroupID,
				},
				McAddr:         mg.MCAddr,
				McKeyEncrypted: mcKeyEncrypted,
				MinMcFCnt:      0,
				MaxMcFCnt:      (1 << 32) - 1,
			},
		}
		if err := enqueueDeviceCommand(ctx, devEUI, multicastsetup.DefaultFPort, cmd); err != nil {
			slog.Error("enqueue mc-group setup error", "component", "fuota", "dev_eui", devEUI.String(), "error", err)
		}
	}

	d.SchedulerRunAfter = time.Now().Add(d.DeviceUplinkInterval)
	return nil
}

func jobFragSessionSetup(ctx context.Context, d *storage.FUOTADeployment) error {
	done := devicesDone(d, func(st *storage.FUOTADeviceState) bool { return st.FragSessionSetup })
	if done || d.AttemptCount > d.MaxRetryCount {
		if !done {
			slog.Warn("frag-session setup retries exhausted, moving on", "component", "fuota", "deployment_id", d.ID)
		}
		d.Job = storage.FUOTAJobMcSession
		d.AttemptCount = 0
		d.SchedulerRunAfter = time.Now()
		return nil
	}
	d.AttemptCount++

	nbFrag := (len(d.Payload) + d.FragSize - 1) / d.FragSize
	padding := nbFrag*d.FragSize - len(d.Payload)

	var mcGroupBitMask [4]bool
	mcGroupBitMask[d.McGroupID] = true

	for devEUI, st := range d.Devices {
		if st.FragSessionSetup {
			continue
		}

		cmd := fragmentation.Command{
			CID: fragmentation.FragSessionSetupReq,
			Payload: &fragmentation.FragSessionSetupReqPayload{
				FragSession: fragmentation.FragSessionSetupReqPayloadFragSession{
					FragIndex:      0,
					McGroupBitMask: mcGroupBitMask,
				},
				NbFrag:   uint16(nbFrag),
				FragSize: uint8(d.FragSize),
				Control: fragmentation.FragSessionSetupReqPayloadControl{
					FragmentationMatrix: 0,
					BlockAckDelay:       d.BlockAckDelay,
				},
				Padding:    uint8(padding),
				Descriptor: d.Descriptor,
			},
		}
		if err := enqueueDeviceCommand(ctx, devEUI, fragmentation.DefaultFPort, cmd); err != nil {
			slog.Error("enqueue frag-session setup error", "component", "fuota", "dev_eui", devEUI.String(), "error", err)
		}
	}

	d.SchedulerRunAfter = time.Now().Add(d.DeviceUplinkInterval)
	return nil
}

func jobMcSession(ctx context.Context, d *storage.FUOTADeployment) error {
	if d.SessionStartAt.IsZero() {
		// leave room for every remaining setup round before the session
		// opens
		start := time.Now().Add(time.Duration(d.MaxRetryCount+1) * d.DeviceUplinkInterval)
		if d.GroupType == storage.MulticastGroupB {
			gpsD := gps.Time(start).TimeSinceGPSEpoch()
			gpsD = gpsD - gpsD%classBSessionGrid + classBSessionGrid
			start = time.Time(gps.NewTimeFromTimeSinceGPSEpoch(gpsD))
		}
		d.SessionStartAt = start
	}

	done := devicesDone(d, func(st *storage.FUOTADeviceState) bool { return st.McSession })
	if done || d.AttemptCount > d.MaxRetryCount {
		if !done {
			slog.Warn("mc-session retries exhausted, moving on", "component", "fuota", "deployment_id", d.ID)
		}
		d.Job = storage.FUOTAJobEnqueue
		d.AttemptCount = 0
		d.SchedulerRunAfter = d.SessionStartAt
		return nil
	}
	d.AttemptCount++

	sessionTime := uint32((gps.Time(d.SessionStartAt).TimeSinceGPSEpoch() / time.Second) % (1 << 32))

	for devEUI, st := range d.Devices {
		if st.McSession {
			continue
		}

		var cmd multicastsetup.Command
		if d.GroupType == storage.MulticastGroupB {
			cmd = multicastsetup.Command{
				CID: multicastsetup.McClassBSessionReq,
				Payload: &multicastsetup.McClassBSessionReqPayload{
					McGroupIDHeader: multicastsetup.McClassBSessionReqPayloadMcGroupIDHeader{
						McGroupID: d.McGroupID,
					},
					SessionTime: sessionTime,
					TimeOutPeriodicity: multicastsetup.McClassBSessionReqPayloadTimeOutPeriodicity{
						TimeOut:     d.MulticastTimeout,
						Periodicity: uint8(d.PingSlotPeriod >> 5),
					},
					DLFrequency: uint32(d.Frequency),
					DR:          uint8(d.DR),
				},
			}
		} else {
			cmd = multicastsetup.Command{
				CID: multicastsetup.McClassCSessionReq,
				Payload: &multicastsetup.McClassCSessionReqPayload{
					McGroupIDHeader: multicastsetup.McClassCSessionReqPayloadMcGroupIDHeader{
						McGroupID: d.McGroupID,
					},
					SessionTime: sessionTime,
					SessionTimeOut: multicastsetup.McClassCSessionReqPayloadSessionTimeOut{
						TimeOut: d.MulticastTimeout,
					},
					DLFrequency: uint32(d.Frequency),
					DR:          uint8(d.DR),
				},
			}
		}
		if err := enqueueDeviceCommand(ctx, devEUI, multicastsetup.DefaultFPort, cmd); err != nil {
			slog.Error("enqueue mc-session error", "component", "fuota", "dev_eui", devEUI.String(), "error", err)
		}
	}

	d.SchedulerRunAfter = time.Now().Add(d.DeviceUplinkInterval)
	return nil
}

// jobEnqueue fragments the payload and hands every fragment to the
// multicast coordinator.
func jobEnqueue(ctx context.Context, d *storage.FUOTADeployment) error {
	nbFrag := (len(d.Payload) + d.FragSize - 1) / d.FragSize
	padding := nbFrag*d.FragSize - len(d.Payload)
	redundancy := (nbFrag*d.RedundancyPct + 99) / 100

	payload := make([]byte, len(d.Payload), len(d.Payload)+padding)
	copy(payload, d.Payload)
	payload = append(payload, make([]byte, padding)...)

	fragments, err := fragmentation.Encode(payload, d.FragSize, redundancy)
	if err != nil {
		return errors.Wrap(err, "fragmentation encode error")
	}

	for i, frag := range fragments {
		cmd := fragmentation.Command{
			CID: fragmentation.DataFragment,
			Payload: &fragmentation.DataFragmentPayload{
				IndexAndN: fragmentation.DataFragmentPayloadIndexAndN{
					FragIndex: 0,
					N:         uint16(i + 1),
				},
				Payload: frag,
			},
		}
		b, err := cmd.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal data-fragment error")
		}
		if _, err := multicast.Enqueue(ctx, d.MulticastGroupID, fragmentation.DefaultFPort, b); err != nil {
			return errors.Wrap(err, "enqueue fragment error")
		}
	}

	slog.Info("firmware fragments enqueued", "component", "fuota",
		"deployment_id", d.ID,
		"fragments", nbFrag,
		"redundancy", redundancy,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	d.Job = storage.FUOTAJobFragStatus
	// the devices can only answer after the multicast session played out
	d.SchedulerRunAfter = d.SessionStartAt.Add(d.DeviceUplinkInterval)
	if d.SessionStartAt.IsZero() {
		d.SchedulerRunAfter = time.Now().Add(d.DeviceUplinkInterval)
	}
	return nil
}

func jobFragStatus(ctx context.Context, d *storage.FUOTADeployment) error {
	done := devicesDone(d, func(st *storage.FUOTADeviceState) bool { return st.FragStatus })
	if done || d.AttemptCount > d.MaxRetryCount {
		if !done {
			slog.Warn("frag-status retries exhausted, completing", "component", "fuota", "deployment_id", d.ID)
		}
		d.Job = storage.FUOTAJobComplete
		d.AttemptCount = 0
		return nil
	}
	d.AttemptCount++

	for devEUI, st := range d.Devices {
		if st.FragStatus {
			continue
		}

		cmd := fragmentation.Command{
			CID: fragmentation.FragSessionStatusReq,
			Payload: &fragmentation.FragSessionStatusReqPayload{
				FragStatusReqParam: fragmentation.FragSessionStatusReqPayloadFragStatusReqParam{
					FragIndex:    0,
					Participants: true,
				},
			},
		}
		if err := enqueueDeviceCommand(ctx, devEUI, fragmentation.DefaultFPort, cmd); err != nil {
			slog.Error("enqueue frag-status error", "component", "fuota", "dev_eui", devEUI.String(), "error", err)
		}
	}

	d.SchedulerRunAfter = time.Now().Add(d.DeviceUplinkInterval)
	return nil
}

func devicesDone(d *storage.FUOTADeployment, pred func(*storage.FUOTADeviceState) bool) bool {
	for _, st := range d.Devices {
		if !pred(st) {
			return false
		}
	}
	return true
}

// encryptMcKeyForDevice wraps the multicast root key for transport to
// the given device. The transport encoding uses the AES decrypt
// operation with the McKEKey, the device recovers the key by encrypting.
func encryptMcKeyForDevice(ctx context.Context, devEUI lorawan.EUI64, mcKey lorawan.AES128Key) ([16]byte, error) {
	var out [16]byte

	dk, err := storage.GetDeviceKeys(ctx, devEUI)
	if err != nil {
		return out, errors.Wrap(err, "get device-keys error")
	}

	mcRootKey, err := multicastsetup.GetMcRootKeyForGenAppKey(dk.NwkKey)
	if err != nil {
		return out, errors.Wrap(err, "get mcrootkey error")
	}
	mcKEKey, err := multicastsetup.GetMcKEKey(mcRootKey)
	if err != nil {
		return out, errors.Wrap(err, "get mckekey error")
	}

	block, err := aes.NewCipher(mcKEKey[:])
	if err != nil {
		return out, errors.Wrap(err, "new cipher error")
	}
	block.Decrypt(out[:], mcKey[:])
	return out, nil
}

type binaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

// enqueueDeviceCommand appends the applayer command to the device queue
// and nudges the downlink scheduler so Class-C devices receive it
// without waiting for an uplink.
func enqueueDeviceCommand(ctx context.Context, devEUI lorawan.EUI64, fPort uint8, cmd binaryMarshaler) error {
	b, err := cmd.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal command error")
	}

	ds, err := storage.GetDeviceSession(ctx, devEUI)
	if err != nil {
		return errors.Wrap(err, "get device-session error")
	}
	items, err := storage.GetDeviceQueueItems(ctx, devEUI)
	if err != nil {
		return errors.Wrap(err, "get device-queue items error")
	}

	qi := storage.DeviceQueueItem{
		DevEUI:     devEUI,
		FPort:      fPort,
		FCnt:       ds.GetFCntDown(true) + uint32(len(items)),
		FRMPayload: b,
	}
	if err := storage.CreateDeviceQueueItem(ctx, &qi); err != nil {
		return errors.Wrap(err, "create device-queue item error")
	}

	return storage.AddDeviceToScheduler(ctx, devEUI, time.Now())
}
