package models

import (
	"time"
)

// Tenant is one customer's on-premises PBX installation. Tenants are created
// and edited by the administrative surface; the sync engine treats them as
// read-only apart from the last-activity timestamp and the manual-trigger
// marker, which the scheduler clears once observed.
type Tenant struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Enabled bool   `json:"enabled" db:"enabled"`

	// Tunnel endpoint: the tenant's public SSH host. The PBX database and
	// filesystem are only reachable through the forwarded session.
	Host           string `json:"host" db:"host"`
	SSHPort        int    `json:"ssh_port" db:"ssh_port"`
	SSHUser        string `json:"ssh_user" db:"ssh_user"`
	SSHPassword    string `json:"-" db:"-"` // plaintext, never stored directly
	SSHPasswordEnc []byte `json:"-" db:"ssh_password_enc"`

	// Private target behind the tunnel.
	DBPort     int    `json:"db_port" db:"db_port"`
	DBName     string `json:"db_name" db:"db_name"`
	DBUser     string `json:"db_user" db:"db_user"`
	DBPassword string `json:"-" db:"-"`
	DBPassEnc  []byte `json:"-" db:"db_password_enc"`

	// Per-entity-type backup toggles.
	BackupDirectory  bool `json:"backup_directory" db:"backup_directory"`
	BackupMessages   bool `json:"backup_messages" db:"backup_messages"`
	BackupCalls      bool `json:"backup_calls" db:"backup_calls"`
	BackupVoicemails bool `json:"backup_voicemails" db:"backup_voicemails"`
	BackupFaxes      bool `json:"backup_faxes" db:"backup_faxes"`
	BackupRecordings bool `json:"backup_recordings" db:"backup_recordings"`
	BackupMeetings   bool `json:"backup_meetings" db:"backup_meetings"`

	// Optional overrides for the media directories on the remote host.
	RecordingPath *string `json:"recording_path" db:"recording_path"`
	VoicemailPath *string `json:"voicemail_path" db:"voicemail_path"`
	FaxPath       *string `json:"fax_path" db:"fax_path"`
	MeetingPath   *string `json:"meeting_path" db:"meeting_path"`

	TriggerRequestedAt *time.Time `json:"trigger_requested_at" db:"trigger_requested_at"`
	LastActivityAt     *time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Default media locations on the PBX host, used when no override is set.
var defaultMediaPaths = map[MediaCategory]string{
	MediaRecording: "/var/lib/pbx/recordings",
	MediaVoicemail: "/var/lib/pbx/voicemails",
	MediaFax:       "/var/lib/pbx/faxes",
	MediaMeeting:   "/var/lib/pbx/meetings",
}

// EnabledFor reports whether backup of the given entity type is switched on
// for this tenant. Maintenance follows the messages toggle because it only
// reconciles data the message pipeline produced.
func (t *Tenant) EnabledFor(et EntityType) bool {
	switch et {
	case EntityDirectory:
		return t.BackupDirectory
	case EntityMessages:
		return t.BackupMessages
	case EntityCalls:
		return t.BackupCalls
	case EntityVoicemails:
		return t.BackupVoicemails
	case EntityFaxes:
		return t.BackupFaxes
	case EntityRecordings:
		return t.BackupRecordings
	case EntityMeetings:
		return t.BackupMeetings
	case EntityMaintenance:
		return t.BackupMessages
	}
	return false
}

// MediaRoot returns the remote directory for a media category, honoring the
// tenant's custom path when one is configured.
func (t *Tenant) MediaRoot(category MediaCategory) string {
	var override *string
	switch category {
	case MediaRecording:
		override = t.RecordingPath
	case MediaVoicemail:
		override = t.VoicemailPath
	case MediaFax:
		override = t.FaxPath
	case MediaMeeting:
		override = t.MeetingPath
	}
	if override != nil && *override != "" {
		return *override
	}
	return defaultMediaPaths[category]
}

// InactiveSince reports whether the tenant has seen no sync activity since
// the given cutoff. Tenants with no recorded activity count as inactive.
func (t *Tenant) InactiveSince(cutoff time.Time) bool {
	return t.LastActivityAt == nil || t.LastActivityAt.Before(cutoff)
}
