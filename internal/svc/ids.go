package svc

// IDs for the representative syscalls bound by internal/syscalls/*. These
// are host-assigned: the handlers.h surface this mirrors declares no fixed
// numbering of its own, so each symbol gets a stable id here that every
// syscalls/* package and any guest-side trampoline stub must agree on.
const (
	IDDbgMsg          = 0x0001
	IDGetSysTime      = 0x0002
	IDPrgrmIsRunning  = 0x0003
	IDGetCurrentDir   = 0x0004
	IDBatteryLowCheck = 0x0005

	IDLMalloc  = 0x0010
	IDLCalloc  = 0x0011
	IDLRealloc = 0x0012
	IDLFree    = 0x0013

	IDOSCreateThread           = 0x0020
	IDOSSetThreadPriority      = 0x0021
	IDOSInitCriticalSection    = 0x0022
	IDOSEnterCriticalSection   = 0x0023
	IDOSLeaveCriticalSection   = 0x0024
	IDOSSleep                  = 0x0025

	IDOSCreateEvent = 0x0030
	IDOSSetEvent    = 0x0031
	IDGetEvent      = 0x0032

	IDLCDOn       = 0x0040
	IDGetActiveLCD = 0x0041

	IDOpenFile    = 0x0050
	IDFRead       = 0x0051
	IDFWrite      = 0x0052
	IDFClose      = 0x0053
	IDFileSize    = 0x0054
	IDAMkdir      = 0x0055
	IDAChdir      = 0x0056
	IDAFindFirst  = 0x0057
	IDAFindNext   = 0x0058
	IDWFindFirst  = 0x0059
	IDWFindNext   = 0x005A
	IDFindClose   = 0x005B
	IDARemove     = 0x005C
	IDWRemove     = 0x005D
	IDCreateFile  = 0x005E
	IDCloseHandle = 0x005F

	IDGetPrivateProfileString = 0x0060
	IDSetPrivateProfileString = 0x0061

	IDDeviceIoControl      = 0x0070
	IDInterruptInitialize  = 0x0071
	IDInterruptDone        = 0x0072
)
