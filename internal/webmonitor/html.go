package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Form Check Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        :root { --bg:#181820; --panel:#23232e; --fg:#eee; --good:#5decc9; --bad:#e85c5c; --accent:#5e31ff; }
        body { margin:0; background:var(--bg); color:var(--fg); font-family:system-ui,sans-serif; }
        .app { max-width:1200px; margin:0 auto; padding:16px; }
        .header { display:flex; justify-content:space-between; align-items:center; }
        .grid { display:grid; grid-template-columns:2fr 1fr; gap:16px; margin-top:12px; }
        .panel { background:var(--panel); border-radius:8px; padding:12px; }
        .badge { padding:2px 8px; border-radius:4px; background:var(--accent); font-size:12px; }
        button { background:var(--accent); color:#fff; border:0; border-radius:4px; padding:6px 10px; cursor:pointer; }
        table { width:100%; border-collapse:collapse; font-size:14px; }
        td, th { padding:4px; border-bottom:1px solid #333; text-align:left; }
        .pass { color:var(--good); } .fail { color:var(--bad); } .indeterminate { color:#999; }
        img { width:100%; height:auto; background:#000; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Form Check Monitor</h1>
            <span class="badge" id="status-badge">Waiting for data...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Overlay</h2>
                <img id="stream" src="/stream" alt="Overlay stream">
                <div style="margin-top:8px;display:flex;gap:8px;">
                    <button type="button" id="btn-live">Live</button>
                    <button type="button" id="btn-playback">Playback</button>
                    <a href="/api/chart" target="_blank"><button type="button">Signal chart</button></a>
                </div>
            </div>

            <div class="panel">
                <h2>Session</h2>
                <div>Frames: <span id="frames">0</span></div>
                <div>Reps: <span id="reps">0</span></div>
                <div>Ingest FPS: <span id="fps">--</span></div>
                <div style="margin-top:8px;display:flex;gap:8px;flex-wrap:wrap;">
                    <button type="button" id="btn-reset">New session</button>
                    <button type="button" id="btn-record">Start recording</button>
                    <button type="button" id="btn-report">Export report</button>
                    <button type="button" id="btn-webrtc">WebRTC feed</button>
                </div>
                <p id="message" style="font-size:12px;color:#aaa;"></p>
            </div>
        </div>

        <div class="panel" style="margin-top:16px;">
            <h2>Reps</h2>
            <table>
                <thead><tr><th>#</th><th>Start</th><th>End</th><th>Criteria</th></tr></thead>
                <tbody id="rep-rows"></tbody>
            </table>
        </div>
    </div>

    <script type="module">
        const $ = (id) => document.getElementById(id);
        let recording = false;

        function renderAnalysis(data) {
            $('frames').textContent = data.frames;
            $('reps').textContent = data.repsAnalysis.length;
            $('status-badge').textContent = 'Session ' + data.sessionId.slice(0, 8);
            const rows = data.repsAnalysis.map((rep) => {
                const criteria = rep.criteria.map((c) => {
                    const deg = c.degrees === null || c.degrees === undefined ? '' : ' ' + c.degrees.toFixed(1) + '°';
                    return '<span class="' + c.verdict + '">' + c.criterion + deg + '</span>';
                }).join(' ');
                return '<tr><td>' + (rep.rep + 1) + '</td><td>' + rep.start_ms.toFixed(0) +
                    ' ms</td><td>' + rep.end_ms.toFixed(0) + ' ms</td><td>' + criteria + '</td></tr>';
            });
            $('rep-rows').innerHTML = rows.join('');
        }

        const events = new EventSource('/api/analysis/stream');
        events.onmessage = (e) => renderAnalysis(JSON.parse(e.data));

        async function refreshStatus() {
            const res = await fetch('/api/status');
            const status = await res.json();
            $('fps').textContent = status.monitor.current_fps.toFixed(1);
            recording = status.recording.recording;
            $('btn-record').textContent = recording ? 'Stop recording' : 'Start recording';
        }
        setInterval(refreshStatus, 2000);
        refreshStatus();

        async function post(url) {
            const res = await fetch(url, { method: 'POST' });
            const body = await res.json();
            $('message').textContent = res.ok ? JSON.stringify(body) : body.error;
            return body;
        }

        $('btn-live').onclick = () => { $('stream').src = '/stream'; };
        $('btn-playback').onclick = () => { $('stream').src = '/stream?rate=1'; };
        $('btn-reset').onclick = () => post('/api/session/reset');
        $('btn-record').onclick = async () => {
            await post(recording ? '/api/recording/stop' : '/api/recording/start');
            refreshStatus();
        };
        $('btn-report').onclick = async () => {
            const body = await post('/api/report');
            if (body.url) window.location = body.url;
        };

        $('btn-webrtc').onclick = async () => {
            const pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
            const channel = pc.createDataChannel('analysis');
            channel.onmessage = (e) => renderAnalysis(JSON.parse(e.data));
            channel.onopen = () => { $('message').textContent = 'WebRTC data channel open'; events.close(); };
            const offer = await pc.createOffer();
            await pc.setLocalDescription(offer);
            await new Promise((resolve) => {
                if (pc.iceGatheringState === 'complete') return resolve();
                pc.onicegatheringstatechange = () => pc.iceGatheringState === 'complete' && resolve();
            });
            const res = await fetch('/api/webrtc/offer', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify(pc.localDescription),
            });
            if (!res.ok) { $('message').textContent = (await res.json()).error; return; }
            await pc.setRemoteDescription(await res.json());
        };
    </script>
</body>
</html>
`
