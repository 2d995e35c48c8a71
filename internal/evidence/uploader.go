package evidence

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/controlplane"
	"github.com/osiriscare/sentinel/internal/queue"
)

// Upload modes.
const (
	ModeProxy  = "proxy"
	ModeDirect = "direct"
)

const (
	uploadAttempts = 3
	uploadBackoff  = 5 * time.Second
	minRetention   = 90
)

// UploaderConfig selects the WORM target.
type UploaderConfig struct {
	Mode          string // proxy or direct
	SiteID        string
	Bucket        string // direct mode
	Region        string // direct mode
	RetentionDays int    // direct mode; must be >= 90
}

// Uploader drains the pending registry to WORM storage. In proxy mode
// the control plane holds the object-store credentials; in direct mode
// the agent writes to an Object Lock bucket itself.
type Uploader struct {
	cfg      UploaderConfig
	builder  *Builder
	cp       *controlplane.Client
	s3client *s3.Client
	offline  *queue.Queue
	clk      clock.Clock
}

// NewUploader creates an uploader. Direct mode verifies the bucket's
// Object Lock configuration up front; a bucket that is not in
// COMPLIANCE mode with retention >= 90 days is a configuration error
// and nothing will ever be marked uploaded.
func NewUploader(ctx context.Context, cfg UploaderConfig, builder *Builder, cp *controlplane.Client, offline *queue.Queue, clk clock.Clock) (*Uploader, error) {
	u := &Uploader{cfg: cfg, builder: builder, cp: cp, offline: offline, clk: clk}

	switch cfg.Mode {
	case "", ModeProxy:
		u.cfg.Mode = ModeProxy
	case ModeDirect:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		u.s3client = s3.NewFromConfig(awsCfg)
		if err := u.verifyObjectLock(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown WORM mode %q", cfg.Mode)
	}
	return u, nil
}

// verifyObjectLock confirms COMPLIANCE mode and sufficient retention.
func (u *Uploader) verifyObjectLock(ctx context.Context) error {
	out, err := u.s3client.GetObjectLockConfiguration(ctx, &s3.GetObjectLockConfigurationInput{
		Bucket: aws.String(u.cfg.Bucket),
	})
	if err != nil {
		return fmt.Errorf("object lock configuration for %s: %w", u.cfg.Bucket, err)
	}
	lock := out.ObjectLockConfiguration
	if lock == nil || lock.ObjectLockEnabled != s3types.ObjectLockEnabledEnabled {
		return fmt.Errorf("bucket %s does not have Object Lock enabled", u.cfg.Bucket)
	}
	rule := lock.Rule
	if rule == nil || rule.DefaultRetention == nil || rule.DefaultRetention.Mode != s3types.ObjectLockRetentionModeCompliance {
		return fmt.Errorf("bucket %s Object Lock is not in COMPLIANCE mode", u.cfg.Bucket)
	}
	days := int32(0)
	if rule.DefaultRetention.Days != nil {
		days = *rule.DefaultRetention.Days
	}
	if rule.DefaultRetention.Years != nil {
		days += *rule.DefaultRetention.Years * 365
	}
	if int(days) < minRetention {
		return fmt.Errorf("bucket %s retention %d days, want >= %d", u.cfg.Bucket, days, minRetention)
	}
	log.Printf("[worm] Direct mode verified: bucket=%s mode=COMPLIANCE retention=%dd", u.cfg.Bucket, days)
	return nil
}

// RunCycle attempts every pending bundle once per cycle with bounded
// retries. Bundles that still fail stay in the registry for the next
// cycle; when the control plane is the failure they are also mirrored
// into the offline queue so depth shows in telemetry.
func (u *Uploader) RunCycle(ctx context.Context) {
	pending := u.builder.Registry().Pending()
	if len(pending) == 0 {
		return
	}
	log.Printf("[worm] Upload cycle: %d pending bundle(s), mode=%s", len(pending), u.cfg.Mode)

	for _, id := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := u.uploadWithRetry(ctx, id); err != nil {
			log.Printf("[worm] Upload %s failed: %v", id, err)
			if regErr := u.builder.Registry().MarkFailed(id, err.Error()); regErr != nil {
				log.Printf("[worm] Registry update for %s: %v", id, regErr)
			}
			u.mirrorOffline(id)
		}
	}
}

func (u *Uploader) uploadWithRetry(ctx context.Context, bundleID string) error {
	bundle, body, sig, err := u.builder.Load(bundleID)
	if err != nil {
		return err
	}
	if err := u.builder.VerifyBundle(bundle); err != nil {
		// Never ship a bundle that no longer verifies.
		return fmt.Errorf("pre-upload verification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if attempt > 1 {
			if err := u.clk.Sleep(ctx, uploadBackoff); err != nil {
				return err
			}
		}

		var wormURI string
		if u.cfg.Mode == ModeDirect {
			wormURI, lastErr = u.uploadDirect(ctx, bundleID, body, sig)
		} else {
			wormURI, lastErr = u.cp.UploadEvidence(ctx, bundleID, body, sig)
		}
		if lastErr == nil {
			if err := u.builder.Registry().MarkUploaded(bundleID, wormURI); err != nil {
				log.Printf("[worm] Registry update for %s: %v", bundleID, err)
			}
			log.Printf("[worm] Uploaded %s -> %s", bundleID, wormURI)
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", uploadAttempts, lastErr)
}

func (u *Uploader) uploadDirect(ctx context.Context, bundleID string, body, sig []byte) (string, error) {
	ts := u.clk.Now()
	prefix := fmt.Sprintf("evidence/%s/%s/%s", u.cfg.SiteID, ts.Format("2006"), ts.Format("01"))
	key := fmt.Sprintf("%s/%s.json", prefix, bundleID)
	sigKey := fmt.Sprintf("%s/%s.sig", prefix, bundleID)

	for k, data := range map[string][]byte{key: body, sigKey: sig} {
		_, err := u.s3client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(u.cfg.Bucket),
			Key:                  aws.String(k),
			Body:                 bytes.NewReader(data),
			ContentType:          aws.String("application/json"),
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
		if err != nil {
			return "", fmt.Errorf("put %s: %w", k, err)
		}
	}
	return fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key), nil
}

// mirrorOffline records the failed bundle in the offline queue, keyed
// by bundle id so repeats do not stack.
func (u *Uploader) mirrorOffline(bundleID string) {
	if u.offline == nil {
		return
	}
	items, err := u.offline.Peek(queue.KindEvidence, 1000)
	if err == nil {
		for _, it := range items {
			if it.Ref == bundleID {
				return
			}
		}
	}
	if err := u.offline.Enqueue(queue.KindEvidence, bundleID, nil); err != nil {
		log.Printf("[worm] Offline queue for %s: %v", bundleID, err)
	}
}

// DrainOffline acks queued evidence refs whose bundles have since been
// uploaded.
func (u *Uploader) DrainOffline() {
	if u.offline == nil {
		return
	}
	items, err := u.offline.Peek(queue.KindEvidence, 1000)
	if err != nil {
		log.Printf("[worm] Offline queue peek: %v", err)
		return
	}
	for _, it := range items {
		if e, ok := u.builder.Registry().Get(it.Ref); ok && e.State == StateUploaded {
			if err := u.offline.Ack(it.ID); err != nil {
				log.Printf("[worm] Offline queue ack %d: %v", it.ID, err)
			}
		}
	}
}
