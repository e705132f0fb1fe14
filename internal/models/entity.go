package models

// EntityType identifies one category of tenant data that is synchronized
// independently and owns its own checkpoint.
type EntityType string

const (
	EntityDirectory   EntityType = "directory"
	EntityMessages    EntityType = "messages"
	EntityCalls       EntityType = "calls"
	EntityVoicemails  EntityType = "voicemails"
	EntityFaxes       EntityType = "faxes"
	EntityRecordings  EntityType = "recordings"
	EntityMeetings    EntityType = "meetings"
	EntityMaintenance EntityType = "maintenance"
)

// PipelineOrder is the fixed order in which the orchestrator runs pipelines
// for a tenant: relational data first, file-bearing categories after.
var PipelineOrder = []EntityType{
	EntityDirectory,
	EntityMessages,
	EntityCalls,
	EntityVoicemails,
	EntityFaxes,
	EntityRecordings,
	EntityMeetings,
	EntityMaintenance,
}

// LightweightEntities are the purely relational categories that are cheap
// enough to include in the background sweep for inactive tenants.
var LightweightEntities = []EntityType{
	EntityDirectory,
	EntityMessages,
	EntityCalls,
}

// HeavyEntities carry binary payloads fetched over the file channel.
var HeavyEntities = []EntityType{
	EntityVoicemails,
	EntityFaxes,
	EntityRecordings,
	EntityMeetings,
}

func IsValidEntityType(et EntityType) bool {
	switch et {
	case EntityDirectory, EntityMessages, EntityCalls, EntityVoicemails,
		EntityFaxes, EntityRecordings, EntityMeetings, EntityMaintenance:
		return true
	}
	return false
}

// MediaCategory is the blob-store path segment for a binary payload.
type MediaCategory string

const (
	MediaRecording  MediaCategory = "recordings"
	MediaVoicemail  MediaCategory = "voicemails"
	MediaFax        MediaCategory = "faxes"
	MediaMeeting    MediaCategory = "meetings"
	MediaAttachment MediaCategory = "attachments"
)

// CategoryFor maps a file-bearing entity type to its media category.
func CategoryFor(et EntityType) MediaCategory {
	switch et {
	case EntityVoicemails:
		return MediaVoicemail
	case EntityFaxes:
		return MediaFax
	case EntityRecordings:
		return MediaRecording
	case EntityMeetings:
		return MediaMeeting
	default:
		return MediaAttachment
	}
}
