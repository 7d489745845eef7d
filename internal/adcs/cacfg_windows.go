//go:build windows

package adcs

import (
	"context"
	"fmt"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/rs/zerolog"

	"github.com/SpecterOps/CertHound/internal/acl"
	"github.com/SpecterOps/CertHound/internal/types"
)

// Registry node of the default policy module, relative to the CA config
// root (certutil -getreg policy\...).
const policyModuleNode = `PolicyModules\CertificateAuthority_MicrosoftDefault.Policy`

// CA security descriptor access bits (CA_ACCESS_ADMIN / CA_ACCESS_OFFICER).
const (
	caAccessManageCA           = 0x00000001
	caAccessManageCertificates = 0x00000002
)

// COMConfigClient queries a CA through the CertificateAuthority.Admin
// automation object, the same interface certutil -getreg drives. Requires
// DCOM reachability to the CA host and at least CA read permission.
type COMConfigClient struct {
	log zerolog.Logger
}

// NewCOMConfigClient creates the COM-backed CA configuration client.
func NewCOMConfigClient(log zerolog.Logger) (ConfigClient, error) {
	return &COMConfigClient{log: log}, nil
}

// QueryFlag reads a numeric value from the CA's policy module registry
// node (EditFlags, RequestDisposition, ...).
func (c *COMConfigClient) QueryFlag(ctx context.Context, ca *types.SecurityObject, name string) (uint32, error) {
	v, err := c.getConfigEntry(ctx, ca.CAName, policyModuleNode, name)
	if err != nil {
		return 0, err
	}
	defer v.Clear()
	return uint32(v.Val), nil
}

// QueryAuditFilter reads the CA's AuditFilter value from the config root.
func (c *COMConfigClient) QueryAuditFilter(ctx context.Context, ca *types.SecurityObject) (uint32, error) {
	v, err := c.getConfigEntry(ctx, ca.CAName, "", "AuditFilter")
	if err != nil {
		return 0, err
	}
	defer v.Clear()
	return uint32(v.Val), nil
}

// QueryDisabledExtensions reads the policy module's DisableExtensionList,
// a REG_MULTI_SZ of OIDs the CA strips from issued certificates.
func (c *COMConfigClient) QueryDisabledExtensions(ctx context.Context, ca *types.SecurityObject) ([]string, error) {
	v, err := c.getConfigEntry(ctx, ca.CAName, policyModuleNode, "DisableExtensionList")
	if err != nil {
		return nil, err
	}
	defer v.Clear()

	arr := v.ToArray()
	if arr == nil {
		if s := v.ToString(); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	}
	values := arr.ToValueArray()
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// QueryRole returns the SIDs holding a CA security role. The CA's Security
// registry value is a binary security descriptor whose DACL carries the
// ManageCA and ManageCertificates bits.
func (c *COMConfigClient) QueryRole(ctx context.Context, ca *types.SecurityObject, role string) ([]string, error) {
	var want uint32
	switch role {
	case RoleManageCA:
		want = caAccessManageCA
	case RoleManageCertificates:
		want = caAccessManageCertificates
	default:
		return nil, fmt.Errorf("unknown CA role %q", role)
	}

	v, err := c.getConfigEntry(ctx, ca.CAName, "", "Security")
	if err != nil {
		return nil, err
	}
	defer v.Clear()

	arr := v.ToArray()
	if arr == nil {
		return nil, fmt.Errorf("CA %s: Security value is not a byte array", ca.CAName)
	}
	sd, err := acl.ParseSecurityDescriptor(arr.ToByteArray())
	if err != nil {
		return nil, fmt.Errorf("CA %s: unparseable Security value: %w", ca.CAName, err)
	}

	var holders []string
	seen := make(map[string]bool)
	for _, ace := range sd.ACEs {
		if ace.Rights&want != 0 && !seen[ace.PrincipalSID] {
			seen[ace.PrincipalSID] = true
			holders = append(holders, ace.PrincipalSID)
		}
	}
	return holders, nil
}

// getConfigEntry performs one ICertAdmin2::GetConfigEntry round-trip. COM
// lives on the calling thread, so initialization is scoped to the call the
// way the WMI enumeration does it.
func (c *COMConfigClient) getConfigEntry(ctx context.Context, config, node, entry string) (*ole.VARIANT, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		// S_FALSE (code 1) means this thread is already initialized.
		oleErr, ok := err.(*ole.OleError)
		if !ok || oleErr.Code() != 1 {
			return nil, fmt.Errorf("COM initialization failed: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("CertificateAuthority.Admin")
	if err != nil {
		return nil, fmt.Errorf("failed to create CertAdmin object: %w", err)
	}
	defer unknown.Release()

	admin, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to query CertAdmin interface: %w", err)
	}
	defer admin.Release()

	result, err := oleutil.CallMethod(admin, "GetConfigEntry", config, node, entry)
	if err != nil {
		return nil, fmt.Errorf("GetConfigEntry(%s, %s, %s) failed: %w", config, node, entry, err)
	}
	return result, nil
}
