package kernel

// Special recipients.
const (
	RecipientOS        = "os"
	RecipientBroadcast = "broadcast"
)

// Message types.
const (
	MsgHWAction           = "hw_action"
	MsgHWActionResponse   = "hw_action_response"
	MsgHWResourceLock     = "hw_resource_lock_request"
	MsgHWResourceLockResp = "hw_resource_lock_response"
	MsgOSCommand          = "os_command"
	MsgServiceCommand     = "service_command"
	MsgStatusReport       = "status_report"
	MsgStorageUpdate      = "storage_update"
	MsgServiceInfo        = "service_info_response"
)

// OS command actions (message type MsgOSCommand).
const (
	CmdCreateService = "create_service"
	CmdStopService   = "stop_service"
	CmdPauseService  = "pause_service"
	CmdResumeService = "resume_service"
	CmdShutdown      = "shutdown"
	CmdSaveStorage   = "save_storage"
	CmdGetStatus     = "get_status"
	CmdReinitHW      = "reinit_hw_manager"
)

// Service command actions (message type MsgServiceCommand).
const (
	SvcCmdStop           = "stop"
	SvcCmdPause          = "pause"
	SvcCmdResume         = "resume"
	SvcCmdGetInfo        = "get_info"
	SvcCmdShowBootStatus = "show_boot_status"
)

// Resource delegation actions (message type MsgHWResourceLock).
const (
	ResActionLock    = "lock"
	ResActionRelease = "release"
)

// Storage keys owned by the kernel.
const (
	KeySystemStatus = "system_status"

	StatusRunOK          = "RUN_OK"
	StatusCritHaltPrefix = "CRIT_HALT:"
)
